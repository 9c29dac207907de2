package httpserver

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jcmturner/goidentity/v6"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/service"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

// ErrNoAssertion means the request carried no single sign-on identity.
var ErrNoAssertion = errors.New("no single sign-on identity in request")

// SSOAuthenticator extracts an identity asserted by an upstream
// authenticator.
type SSOAuthenticator interface {
	// Identify returns the asserted name and, for mutual authentication,
	// a token to send back.
	Identify(r *http.Request) (name, responseToken string, err error)
	// Challenge is the WWW-Authenticate value sent when Identify fails.
	Challenge() string
}

// KerberosValidator validates Kerberos/SPNEGO tokens.
type KerberosValidator struct {
	spnegoSvc *spnego.SPNEGO
}

// NewKerberosValidator creates a new Kerberos validator.
func NewKerberosValidator(keytabPath, servicePrincipal string) (*KerberosValidator, error) {
	kt, err := keytab.Load(keytabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load keytab: %w", err)
	}

	var opts []func(*service.Settings)
	if servicePrincipal != "" {
		opts = append(opts, service.KeytabPrincipal(servicePrincipal))
	}
	return &KerberosValidator{spnegoSvc: spnego.SPNEGOService(kt, opts...)}, nil
}

func (v *KerberosValidator) Challenge() string { return "Negotiate" }

// Identify validates the Negotiate token of r and returns the client
// principal as user@REALM.
func (v *KerberosValidator) Identify(r *http.Request) (string, string, error) {
	token := ExtractNegotiateToken(r)
	if token == "" {
		return "", "", ErrNoAssertion
	}

	tokenBytes, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("failed to decode token: %w", err)
	}

	var st spnego.SPNEGOToken
	if err := st.Unmarshal(tokenBytes); err != nil {
		return "", "", fmt.Errorf("failed to unmarshal SPNEGO token: %w", err)
	}

	valid, ctx, status := v.spnegoSvc.AcceptSecContext(&st)
	if !valid {
		return "", "", fmt.Errorf("SPNEGO token validation failed: %v", status)
	}

	identity, ok := ctx.Value(goidentity.CTXKey).(goidentity.Identity)
	if !ok {
		return "", "", errors.New("no credentials in context after authentication")
	}

	name := identity.UserName()
	if domain := identity.Domain(); domain != "" {
		name += "@" + domain
	}

	respToken := ""
	if st.NegTokenResp.ResponseToken != nil {
		respToken = base64.StdEncoding.EncodeToString(st.NegTokenResp.ResponseToken)
	}
	return name, respToken, nil
}

// HeaderAuthenticator trusts a header set by a reverse proxy that already
// authenticated the user. Only deploy it behind such a proxy.
type HeaderAuthenticator struct {
	Header string
}

func (h HeaderAuthenticator) Challenge() string { return "" }

func (h HeaderAuthenticator) Identify(r *http.Request) (string, string, error) {
	name := strings.TrimSpace(r.Header.Get(h.Header))
	if name == "" {
		return "", "", ErrNoAssertion
	}
	return name, "", nil
}

// ExtractNegotiateToken extracts a Negotiate token from the Authorization header.
func ExtractNegotiateToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Negotiate") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// StripRealm drops a Kerberos realm ("user@REALM") or a down-level domain
// ("DOMAIN\user") from an asserted name.
func StripRealm(name string) string {
	if i := strings.LastIndex(name, `\`); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndex(name, "@"); i >= 0 {
		name = name[:i]
	}
	return name
}
