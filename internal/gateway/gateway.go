// internal/gateway/gateway.go
package gateway

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"libranexus/internal/apperr"
	"libranexus/internal/config"
	"libranexus/internal/httpx"
)

// Prefix is stripped before requests are forwarded upstream.
const Prefix = "/api/v1"

// route maps a public path prefix to the service that owns it.
type route struct {
	pattern  string
	upstream string
}

// Mount registers a reverse proxy for every public API path on r.
func Mount(r chi.Router, cfg config.Gateway, log zerolog.Logger) error {
	routes := []route{
		{"/books", cfg.CatalogURL},
		{"/loans", cfg.LoansURL},
		{"/notifications", cfg.NotificationURL},
		{"/metrics/summary", cfg.AnalyticsURL},
		{"/metrics/users", cfg.AnalyticsURL},
	}

	for _, rt := range routes {
		target, err := url.Parse(rt.upstream)
		if err != nil || target.Host == "" {
			return fmt.Errorf("invalid upstream %q for %s", rt.upstream, rt.pattern)
		}
		proxy := newProxy(target, log)
		h := http.StripPrefix(Prefix, proxy)
		r.Handle(Prefix+rt.pattern, h)
		r.Handle(Prefix+rt.pattern+"/*", h)
	}
	return nil
}

func newProxy(target *url.URL, log zerolog.Logger) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn().Err(err).Str("upstream", target.Host).Str("path", r.URL.Path).Msg("upstream unavailable")
		httpx.WriteJSON(w, http.StatusBadGateway, httpx.ErrorBody{
			Error:   apperr.KindInternal,
			Message: "upstream service unavailable",
		})
	}
	return proxy
}
