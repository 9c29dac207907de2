// Package httpserver exposes the login engine over HTTP: the login form
// endpoint, single sign-on and session checks.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ldapauth/internal/authn"
	"ldapauth/internal/config"
)

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Options are the collaborators of the router. SSO and Health are
// optional.
type Options struct {
	Validator *authn.Validator
	Tokens    *TokenIssuer
	SSO       SSOAuthenticator
	Health    func(ctx context.Context) error
	Logger    hclog.Logger
}

// API holds the handler dependencies.
type API struct {
	validator  *authn.Validator
	tokens     *TokenIssuer
	sso        SSOAuthenticator
	stripRealm bool
	health     func(ctx context.Context) error
	log        hclog.Logger
}

// NewRouter configures the HTTP router.
func NewRouter(cfg config.Config, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	api := &API{
		validator:  opts.Validator,
		tokens:     opts.Tokens,
		sso:        opts.SSO,
		stripRealm: cfg.SSOStripRealm,
		health:     opts.Health,
		log:        logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", api.handleHealth)

	r.Route("/v1/auth", func(r chi.Router) {
		r.Use(authCORS(cfg))
		r.Group(func(r chi.Router) {
			if limiter := NewRateLimiter(cfg); limiter != nil {
				r.Use(limiter)
			}
			r.Post("/login", api.handleLogin)
			r.Get("/sso", api.handleSSO)
		})
		r.Get("/session", api.handleSession)
	})

	return otelhttp.NewHandler(r, "ldapauth.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
