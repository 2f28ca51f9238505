package loans

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"libranexus/internal/apperr"
)

var allStatuses = []Status{StatusRequested, StatusActive, StatusReturned, StatusFailed}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StatusRequested, StatusActive))
	assert.True(t, CanTransition(StatusRequested, StatusFailed))
	assert.True(t, CanTransition(StatusActive, StatusReturned))

	assert.False(t, CanTransition(StatusActive, StatusFailed))
	assert.False(t, CanTransition(StatusReturned, StatusActive))
	assert.False(t, CanTransition(StatusFailed, StatusActive))
	assert.False(t, CanTransition(StatusRequested, StatusReturned))
}

// Any walk through the state machine only ever leaves a terminal status by
// being rejected, and never revisits an earlier status.
func TestLoanStateMachine(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		loan := &Loan{Status: StatusRequested}
		seen := map[Status]bool{StatusRequested: true}
		at := time.Unix(0, 0)

		steps := rapid.SliceOfN(rapid.SampledFrom(allStatuses), 1, 10).Draw(t, "steps")
		for _, to := range steps {
			from := loan.Status
			at = at.Add(time.Second)
			err := loan.transition(to, at)
			if from.Terminal() || !CanTransition(from, to) {
				if err == nil {
					t.Fatalf("moved %s -> %s", from, to)
				}
				if !apperr.IsKind(err, apperr.KindInvalidTransition) {
					t.Fatalf("unexpected error kind %s", apperr.KindOf(err))
				}
				if loan.Status != from {
					t.Fatalf("rejected transition changed status to %s", loan.Status)
				}
				continue
			}
			if err != nil {
				t.Fatalf("legal move %s -> %s rejected: %v", from, to, err)
			}
			if seen[to] {
				t.Fatalf("status %s revisited", to)
			}
			seen[to] = true
			if !loan.UpdatedAt.Equal(at) {
				t.Fatalf("updated_at not advanced")
			}
		}
	})
}

func TestFilterNormalize(t *testing.T) {
	f := Filter{}
	require.NoError(t, f.normalize())
	assert.Equal(t, DefaultListLimit, f.Limit)

	f = Filter{Limit: 1000}
	require.NoError(t, f.normalize())
	assert.Equal(t, MaxListLimit, f.Limit)

	f = Filter{Limit: -1}
	assert.True(t, apperr.IsKind(f.normalize(), apperr.KindValidation))

	f = Filter{Status: "lost"}
	assert.True(t, apperr.IsKind(f.normalize(), apperr.KindValidation))
}

func TestValidateID(t *testing.T) {
	v, err := validateID("user_id", "  u1 ")
	require.NoError(t, err)
	assert.Equal(t, "u1", v)

	for _, bad := range []string{"", "   ", "a/b", strings.Repeat("x", maxIDLength+1)} {
		_, err := validateID("user_id", bad)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation), "%q", bad)
	}
}
