package httpserver

import (
	"net/http"
	"strings"

	"github.com/rs/cors"

	"ldapauth/internal/config"
)

var (
	defaultCORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	defaultCORSHeaders = []string{"Content-Type", "Authorization", "X-Requested-With"}
)

// authCORS lets browser login pages on the configured origins call the
// /v1/auth routes. WWW-Authenticate is exposed so pages can read the
// Negotiate challenge.
func authCORS(cfg config.Config) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:       splitList(cfg.CORSOrigins, []string{"*"}),
		AllowedMethods:       splitList(cfg.CORSMethods, defaultCORSMethods),
		AllowedHeaders:       splitList(cfg.CORSHeaders, defaultCORSHeaders),
		ExposedHeaders:       []string{"WWW-Authenticate"},
		MaxAge:               600,
		OptionsSuccessStatus: http.StatusNoContent,
	}).Handler
}

// splitList parses a comma separated setting, falling back to def when
// it names nothing.
func splitList(v string, def []string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
