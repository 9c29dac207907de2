package httpserver

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/httprate"

	"ldapauth/internal/authn"
	"ldapauth/internal/config"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string          `json:"token"`
	ExpiresAt int64           `json:"expires_at"`
	AccountID int64           `json:"account_id"`
	Messages  []authn.Message `json:"messages,omitempty"`
}

type errorResponse struct {
	Error    string          `json:"error"`
	Messages []authn.Message `json:"messages,omitempty"`
}

type sessionResponse struct {
	AccountID int64  `json:"account_id"`
	AuthName  string `json:"auth_name"`
	Source    string `json:"source"`
	ExpiresAt int64  `json:"expires_at"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// maxLoginBody caps login request bodies of every content type.
const maxLoginBody = 1 << 20

// readLogin accepts a JSON body or a urlencoded/multipart form.
func readLogin(r *http.Request) (loginRequest, error) {
	var req loginRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, err
		}
		return req, nil
	}

	parse := r.ParseForm
	if mediaType == "multipart/form-data" {
		parse = func() error { return r.ParseMultipartForm(maxLoginBody) }
	}
	if err := parse(); err != nil {
		return req, err
	}
	req.Username = r.PostFormValue("username")
	req.Password = r.PostFormValue("password")
	return req, nil
}

// handleLogin validates a submitted name and password and returns a
// session token on success.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBody)
	req, err := readLogin(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "username and password are required"})
		return
	}

	session := a.validator.ValidateLogin(r.Context(), req.Username, req.Password, authn.Session{})
	if !session.Authenticated() {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: session.Error, Messages: session.Messages})
		return
	}
	a.issue(w, session, strings.TrimSpace(req.Username), authn.SourceForm)
}

// handleSSO logs in the identity asserted by the configured single sign-on
// mechanism.
func (a *API) handleSSO(w http.ResponseWriter, r *http.Request) {
	if a.sso == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "single sign-on is not enabled"})
		return
	}

	name, respToken, err := a.sso.Identify(r)
	if err != nil {
		if !errors.Is(err, ErrNoAssertion) {
			a.log.Warn("single sign-on assertion rejected", "error", err)
		}
		if challenge := a.sso.Challenge(); challenge != "" {
			w.Header().Set("WWW-Authenticate", challenge)
		}
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "single sign-on failed"})
		return
	}
	if respToken != "" {
		w.Header().Set("WWW-Authenticate", "Negotiate "+respToken)
	}
	if a.stripRealm {
		name = StripRealm(name)
	}

	session, ok := a.validator.ProcessSsoLogin(r.Context(), name)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: session.Error, Messages: session.Messages})
		return
	}
	a.issue(w, session, name, authn.SourceSSO)
}

func (a *API) issue(w http.ResponseWriter, session authn.Session, authName string, source authn.Source) {
	token, expiresAt, err := a.tokens.Issue(session.AccountID, authName, source.String())
	if err != nil {
		a.log.Error("issuing session token failed", "auth_name", authName, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to generate token"})
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt.Unix(),
		AccountID: session.AccountID,
		Messages:  session.Messages,
	})
}

// handleSession reports the account behind a bearer token.
func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	token := ExtractBearerToken(r)
	if token == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Authentication required"})
		return
	}
	claims, err := a.tokens.Parse(token)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid or expired token"})
		return
	}

	resp := sessionResponse{
		AccountID: claims.AccountID,
		AuthName:  claims.Subject,
		Source:    claims.Source,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Unix()
	}
	writeJSON(w, http.StatusOK, resp)
}

// NewRateLimiter limits login attempts per client IP. It returns nil when
// RateLimitRequests is zero.
func NewRateLimiter(cfg config.Config) func(http.Handler) http.Handler {
	if cfg.RateLimitRequests <= 0 {
		return nil
	}

	return httprate.Limit(
		cfg.RateLimitRequests,
		cfg.RateLimitWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "Too many login attempts. Please slow down."})
		}),
	)
}
