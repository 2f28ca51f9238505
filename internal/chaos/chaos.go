// internal/chaos/chaos.go
package chaos

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrSteadyStateInvalid aborts an experiment before any fault is injected.
var ErrSteadyStateInvalid = errors.New("steady state invalid, experiment aborted")

// Experiment is one hypothesis about the running system and the faults used to test it.
type Experiment struct {
	Name       string
	Hypothesis string
	// SteadyState must hold before the method runs. It is sampled again during the window.
	SteadyState []Probe
	// Observe is sampled during the window only.
	Observe    []Probe
	Method     []Action
	Rollback   []Action
	Validation []Assertion
	Duration   time.Duration
	Interval   time.Duration
}

// Probe measures one property of the system.
type Probe struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) Holds(v float64) bool {
	switch t.Operator {
	case ">":
		return v > t.Value
	case "<":
		return v < t.Value
	case ">=":
		return v >= t.Value
	case "<=":
		return v <= t.Value
	case "==":
		return v == t.Value
	default:
		return false
	}
}

// Action injects a fault or undoes one.
type Action struct {
	Name    string
	Target  string
	Execute func(context.Context) error
}

// Assertion checks the last observed value of a probe once the window closes.
type Assertion struct {
	Probe     string
	Condition func(float64) bool
	Message   string
}

type Result struct {
	Experiment       string              `json:"experiment"`
	StartedAt        time.Time           `json:"started_at"`
	FinishedAt       time.Time           `json:"finished_at"`
	Duration         time.Duration       `json:"duration"`
	SteadyStateValid bool                `json:"steady_state_valid"`
	HypothesisHeld   bool                `json:"hypothesis_held"`
	Violations       []Violation         `json:"violations"`
	Observations     map[string][]Sample `json:"observations"`
	Failures         []Failure           `json:"failures"`
	FailedAssertions []string            `json:"failed_assertions,omitempty"`
	// MTTR is the time from the first threshold violation to the first sample that held again.
	MTTR *time.Duration `json:"mttr,omitempty"`
}

type Violation struct {
	Probe     string    `json:"probe"`
	Threshold Threshold `json:"threshold"`
	Actual    float64   `json:"actual"`
	At        time.Time `json:"at"`
}

type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

type Failure struct {
	At        time.Time `json:"at"`
	Component string    `json:"component"`
	Error     string    `json:"error"`
}

func (r *Result) fail(component string, err error) {
	r.Failures = append(r.Failures, Failure{At: time.Now(), Component: component, Error: err.Error()})
}

// last returns the most recent sample of a probe.
func (r *Result) last(probe string) (float64, bool) {
	samples := r.Observations[probe]
	if len(samples) == 0 {
		return 0, false
	}
	return samples[len(samples)-1].Value, true
}

// Engine runs experiments and keeps their results.
type Engine struct {
	log         zerolog.Logger
	tracer      trace.Tracer
	runs        metric.Int64Counter
	recovery    metric.Float64Histogram
	experiments []Experiment
	results     []Result
}

func NewEngine(log zerolog.Logger) *Engine {
	e := &Engine{
		log:    log.With().Str("component", "chaos").Logger(),
		tracer: otel.Tracer("libranexus/chaos"),
	}

	meter := otel.Meter("libranexus/chaos")
	var err error
	e.runs, err = meter.Int64Counter("chaos.experiments",
		metric.WithDescription("Experiments run, by outcome."))
	if err != nil {
		e.log.Warn().Err(err).Msg("create experiments counter")
	}
	e.recovery, err = meter.Float64Histogram("chaos.mttr",
		metric.WithDescription("Time from first violation to recovery."),
		metric.WithUnit("s"))
	if err != nil {
		e.log.Warn().Err(err).Msg("create mttr histogram")
	}
	return e
}

func (e *Engine) record(ctx context.Context, res *Result, outcome string) {
	attrs := metric.WithAttributes(
		attribute.String("experiment", res.Experiment),
		attribute.String("outcome", outcome),
	)
	if e.runs != nil {
		e.runs.Add(ctx, 1, attrs)
	}
	if e.recovery != nil && res.MTTR != nil {
		e.recovery.Record(ctx, res.MTTR.Seconds(), metric.WithAttributes(attribute.String("experiment", res.Experiment)))
	}
}

func (e *Engine) Register(exps ...Experiment) {
	e.experiments = append(e.experiments, exps...)
}

func (e *Engine) Experiments() []Experiment {
	return append([]Experiment(nil), e.experiments...)
}

func (e *Engine) Results() []Result {
	return append([]Result(nil), e.results...)
}

// Run executes one experiment: check the steady state, inject, observe for
// exp.Duration, roll back, then evaluate the assertions.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	log := e.log.With().Str("experiment", exp.Name).Logger()
	res := &Result{
		Experiment:   exp.Name,
		StartedAt:    time.Now(),
		Observations: make(map[string][]Sample),
	}

	span.AddEvent("steady_state")
	res.Violations = e.checkSteadyState(ctx, exp.SteadyState)
	if len(res.Violations) > 0 {
		span.SetStatus(codes.Error, ErrSteadyStateInvalid.Error())
		log.Warn().Int("violations", len(res.Violations)).Msg("steady state does not hold")
		e.record(ctx, res, "aborted")
		return res, ErrSteadyStateInvalid
	}
	res.SteadyStateValid = true

	span.AddEvent("method")
	for _, a := range exp.Method {
		if err := a.Execute(ctx); err != nil {
			span.RecordError(err)
			log.Warn().Err(err).Str("action", a.Name).Msg("action failed")
			res.fail(a.Target, err)
		}
	}

	span.AddEvent("observe")
	e.observe(ctx, exp, res)

	span.AddEvent("rollback")
	for _, a := range exp.Rollback {
		if err := a.Execute(context.WithoutCancel(ctx)); err != nil {
			span.RecordError(err)
			log.Warn().Err(err).Str("action", a.Name).Msg("rollback failed")
			res.fail(a.Target, err)
		}
	}

	res.HypothesisHeld = e.evaluate(exp.Validation, res)
	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	e.results = append(e.results, *res)
	if res.HypothesisHeld {
		e.record(ctx, res, "held")
	} else {
		e.record(ctx, res, "violated")
	}

	span.SetAttributes(
		attribute.Bool("hypothesis_held", res.HypothesisHeld),
		attribute.Int("violations", len(res.Violations)),
	)
	ev := log.Info()
	if !res.HypothesisHeld {
		ev = log.Warn().Strs("failed_assertions", res.FailedAssertions)
	}
	if res.MTTR != nil {
		ev = ev.Dur("mttr", *res.MTTR)
	}
	ev.Bool("hypothesis_held", res.HypothesisHeld).
		Int("violations", len(res.Violations)).
		Dur("duration", res.Duration).
		Msg("experiment finished")
	return res, nil
}

func (e *Engine) checkSteadyState(ctx context.Context, probes []Probe) []Violation {
	var out []Violation
	for _, p := range probes {
		v, err := p.Query(ctx)
		if err != nil {
			e.log.Debug().Err(err).Str("probe", p.Name).Msg("steady state probe failed")
			out = append(out, Violation{Probe: p.Name, Threshold: p.Threshold, Actual: -1, At: time.Now()})
			continue
		}
		if !p.Threshold.Holds(v) {
			out = append(out, Violation{Probe: p.Name, Threshold: p.Threshold, Actual: v, At: time.Now()})
		}
	}
	return out
}

// observe samples every probe once immediately and then on each tick until the window closes.
func (e *Engine) observe(ctx context.Context, exp Experiment, res *Result) {
	interval := exp.Interval
	if interval <= 0 {
		interval = time.Second
	}
	window, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	probes := append(append([]Probe(nil), exp.SteadyState...), exp.Observe...)
	var degradedSince time.Time
	for {
		for _, p := range probes {
			v, err := p.Query(window)
			if err != nil {
				if window.Err() != nil {
					return
				}
				res.fail(p.Name, err)
				continue
			}
			now := time.Now()
			res.Observations[p.Name] = append(res.Observations[p.Name], Sample{At: now, Value: v})

			switch {
			case !p.Threshold.Holds(v):
				if degradedSince.IsZero() {
					degradedSince = now
				}
				res.Violations = append(res.Violations, Violation{Probe: p.Name, Threshold: p.Threshold, Actual: v, At: now})
			case !degradedSince.IsZero() && res.MTTR == nil:
				mttr := now.Sub(degradedSince)
				res.MTTR = &mttr
			}
		}

		select {
		case <-window.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) evaluate(assertions []Assertion, res *Result) bool {
	held := true
	for _, a := range assertions {
		v, ok := res.last(a.Probe)
		if !ok || !a.Condition(v) {
			held = false
			res.FailedAssertions = append(res.FailedAssertions, a.Message)
		}
	}
	return held
}

// RunAll runs every registered experiment in order, pausing between them.
// An aborted experiment is logged and the rest still run.
func (e *Engine) RunAll(ctx context.Context, pause time.Duration) ([]Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_all",
		trace.WithAttributes(attribute.Int("experiments", len(e.experiments))),
	)
	defer span.End()

	var out []Result
	for i, exp := range e.experiments {
		e.log.Info().
			Int("index", i+1).
			Int("total", len(e.experiments)).
			Str("experiment", exp.Name).
			Str("hypothesis", exp.Hypothesis).
			Msg("starting experiment")

		res, err := e.Run(ctx, exp)
		if err != nil {
			e.log.Error().Err(err).Str("experiment", exp.Name).Msg("experiment aborted")
		}
		out = append(out, *res)

		if i < len(e.experiments)-1 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(pause):
			}
		}
	}
	return out, nil
}
