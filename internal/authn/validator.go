package authn

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ldapauth/internal/ldap"
	"ldapauth/internal/logging"
)

// Deps are the collaborators of a Validator.
type Deps struct {
	Registry   ldap.Registry
	Connector  ldap.Connector
	Accounts   AccountStore
	Identities IdentityMap
	// Authorizer is optional.
	Authorizer Authorizer
	Hooks      []Hook
	Logs       logging.Sinks
	// Now defaults to time.Now.
	Now func() time.Time
}

// Validator runs login attempts. It keeps no state between attempts and
// is safe for concurrent use.
type Validator struct {
	settings   Settings
	registry   ldap.Registry
	connector  ldap.Connector
	accounts   AccountStore
	identities IdentityMap
	lookup     *ldap.Lookup
	policy     *Policy
	reconciler *Reconciler
	logs       logging.Sinks
	tracer     trace.Tracer
}

// NewValidator checks settings and wires a Validator.
func NewValidator(settings Settings, deps Deps) (*Validator, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if deps.Registry == nil || deps.Connector == nil || deps.Accounts == nil || deps.Identities == nil {
		return nil, errors.New("authn: registry, connector, accounts and identities are required")
	}
	if deps.Logs.Detail == nil || deps.Logs.Errors == nil {
		deps.Logs = logging.Discard()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	policy := NewPolicy(settings, deps.Accounts, deps.Identities, deps.Authorizer, deps.Hooks, deps.Logs)
	return &Validator{
		settings:   settings,
		registry:   deps.Registry,
		connector:  deps.Connector,
		accounts:   deps.Accounts,
		identities: deps.Identities,
		lookup:     ldap.NewLookup(deps.Logs.Errors),
		policy:     policy,
		reconciler: newReconciler(settings, deps.Accounts, deps.Identities, deps.Hooks, deps.Logs, deps.Now),
		logs:       deps.Logs,
		tracer:     otel.Tracer("ldapauth/authn"),
	}, nil
}

// Policy returns the allow/exclude evaluator used by the validator.
func (v *Validator) Policy() *Policy {
	return v.policy
}

// TestCredentials checks name and password against the enabled servers.
// The returned attempt carries the outcome and, on success, the server and
// entry that matched.
func (v *Validator) TestCredentials(ctx context.Context, name, password string) (Attempt, error) {
	creds := newCredentials(password)
	defer creds.clear()
	return v.testCredentials(ctx, Attempt{AuthName: strings.TrimSpace(name), Source: SourceForm}, creds)
}

// TestSsoCredentials checks an identity asserted by an upstream
// authenticator. No password is verified.
func (v *Validator) TestSsoCredentials(ctx context.Context, name string) (Attempt, error) {
	return v.testCredentials(ctx, Attempt{AuthName: strings.TrimSpace(name), Source: SourceSSO}, nil)
}

// ValidateLogin is the login form entry point. On success the returned
// session carries the local account id. On failure it carries no id and,
// in exclusive mode, an error for the form.
func (v *Validator) ValidateLogin(ctx context.Context, name, password string, session Session) Session {
	if session.Authenticated() && v.settings.Mode == ModeMixed {
		return session
	}

	name = strings.TrimSpace(name)
	if name == "" || password == "" {
		return session
	}

	ctx, cancel := v.withDeadline(ctx)
	defer cancel()
	ctx, span := v.tracer.Start(ctx, "authn.ValidateLogin", trace.WithAttributes(
		attribute.String("ldapauth.auth_name", name),
	))
	defer span.End()

	if v.skipLocalAccount(ctx, name) {
		return session
	}

	attempt, err := v.TestCredentials(ctx, name, password)
	if err != nil {
		v.logs.Errors.Error("login attempt failed", "auth_name", name, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("ldapauth.outcome", attempt.Outcome.String()))

	if attempt.Outcome != OutcomeSuccess {
		return v.rejected(session, attempt)
	}
	return v.reconciler.Reconcile(ctx, attempt, session)
}

// ProcessSsoLogin logs in an identity asserted by an upstream
// authenticator.
func (v *Validator) ProcessSsoLogin(ctx context.Context, name string) (Session, bool) {
	var session Session
	name = strings.TrimSpace(name)
	if name == "" {
		return session, false
	}

	ctx, cancel := v.withDeadline(ctx)
	defer cancel()
	ctx, span := v.tracer.Start(ctx, "authn.ProcessSsoLogin", trace.WithAttributes(
		attribute.String("ldapauth.auth_name", name),
	))
	defer span.End()

	if v.skipLocalAccount(ctx, name) {
		return session, false
	}

	attempt, err := v.TestSsoCredentials(ctx, name)
	if err != nil {
		v.logs.Errors.Error("sso attempt failed", "auth_name", name, "error", err)
		span.RecordError(err)
	}
	span.SetAttributes(attribute.String("ldapauth.outcome", attempt.Outcome.String()))

	if attempt.Outcome != OutcomeSuccess {
		return v.rejected(session, attempt), false
	}
	session = v.reconciler.Reconcile(ctx, attempt, session)
	return session, session.Authenticated()
}

func (v *Validator) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if v.settings.AttemptTimeout > 0 {
		return context.WithTimeout(ctx, v.settings.AttemptTimeout)
	}
	return context.WithCancel(ctx)
}

// skipLocalAccount reports whether the local account the name belongs to
// must never authenticate against the directory.
func (v *Validator) skipLocalAccount(ctx context.Context, name string) bool {
	account, err := v.accounts.FindByName(ctx, name)
	if err != nil {
		v.logs.Errors.Error("account lookup failed", "auth_name", name, "error", err)
		return false
	}
	if account == nil {
		id, ok, err := v.identities.Lookup(ctx, v.settings.IdentityNamespace, name)
		if err != nil {
			v.logs.Errors.Error("identity map lookup failed", "auth_name", name, "error", err)
			return false
		}
		if !ok {
			return false
		}
		if account, err = v.accounts.FindByID(ctx, id); err != nil || account == nil {
			return false
		}
	}

	if v.settings.excludedAccount(account.ID) {
		v.logs.Detail.Debug("account is excluded from directory authentication", "auth_name", name, "account_id", account.ID)
		return true
	}
	if account.Link.Excluded {
		v.logs.Detail.Debug("account is manually excluded from directory authentication", "auth_name", name, "account_id", account.ID)
		return true
	}
	return false
}

func (v *Validator) rejected(session Session, attempt Attempt) Session {
	v.logs.Detail.Debug("directory authentication failed", "auth_name", attempt.AuthName, "outcome", attempt.Outcome.String())
	session.AccountID = 0
	if v.settings.Mode == ModeExclusive {
		session = session.withError(failureMessage(attempt.Outcome))
	}
	return session
}

func (v *Validator) testCredentials(ctx context.Context, attempt Attempt, creds *credentials) (Attempt, error) {
	if attempt.AuthName == "" {
		return attempt.withOutcome(OutcomeCredentials), nil
	}

	servers, err := v.registry.ListEnabledForAuthentication(ctx)
	if err != nil {
		return attempt, err
	}
	if len(servers) == 0 {
		v.logs.Errors.Warn("no directory server is enabled for authentication")
	}

	for _, server := range servers {
		var done bool
		attempt, done = v.tryServer(ctx, attempt, server, creds)
		if done {
			break
		}
	}
	return attempt, nil
}

// tryServer runs connect, bind, find, policy and password verification
// against one server. done is true when the loop must stop.
func (v *Validator) tryServer(ctx context.Context, attempt Attempt, server *ldap.ServerConfig, creds *credentials) (Attempt, bool) {
	ctx, span := v.tracer.Start(ctx, "authn.server", trace.WithAttributes(
		attribute.String("ldapauth.server_id", server.ID),
		attribute.String("ldapauth.bind_method", string(server.BindMethod)),
	))
	defer span.End()

	log := v.logs.Detail.With("auth_name", attempt.AuthName, "server_id", server.ID)

	if attempt.Source == SourceSSO && server.BindsAsUser() {
		v.logs.Errors.Error("server uses the user bind method, which cannot serve single sign-on", "server_id", server.ID)
		return attempt.withOutcome(OutcomeCredentials), false
	}

	dir, err := v.connector.Connect(ctx, server)
	if err != nil {
		v.logs.Errors.Error("could not connect to directory server", "server_id", server.ID, "error", err)
		span.RecordError(err)
		return attempt, false
	}
	defer dir.Close()

	if server.BindsAsUser() {
		if !v.bindAsUser(ctx, dir, server, attempt.AuthName, creds) {
			log.Debug("user bind failed")
			return attempt.withOutcome(OutcomeCredentials), false
		}
	} else {
		var dn string
		var service *credentials
		if server.BindMethod == ldap.BindServiceAccount {
			dn, service = server.BindDN, newCredentials(server.BindPassword)
			defer service.clear()
		}
		if err := dir.Bind(ctx, dn, service.secret()); err != nil {
			v.logs.Errors.Error("could not bind to directory server", "server_id", server.ID, "bind_dn", dn, "error", err)
			span.RecordError(err)
			return attempt.withOutcome(OutcomeBind), false
		}
	}

	entry, err := v.lookup.Resolve(ctx, dir, server, attempt.AuthName)
	if err != nil {
		if !errors.Is(err, ldap.ErrEntryNotFound) {
			v.logs.Errors.Error("directory search failed", "auth_name", attempt.AuthName, "server_id", server.ID, "error", err)
			span.RecordError(err)
		}
		log.Debug("no entry found")
		return attempt.withOutcome(OutcomeFind), false
	}
	log.Debug("entry found", "dn", entry.DN)

	if !v.policy.CheckAllowedExcluded(ctx, dir, attempt.AuthName, server, entry) {
		log.Info("user disallowed", "dn", entry.DN)
		return attempt.withServer(server, entry).withOutcome(OutcomeDisallowed), true
	}

	if attempt.Source == SourceForm && !server.BindsAsUser() {
		if err := dir.Bind(ctx, entry.DN, creds.secret()); err != nil {
			log.Debug("password rejected", "dn", entry.DN, "error", err)
			return attempt.withOutcome(OutcomeCredentials), false
		}
	}

	log.Debug("authenticated", "dn", entry.DN)
	return attempt.withServer(server, entry).withOutcome(OutcomeSuccess), true
}

// bindAsUser tries the expanded user DN under each base DN until one
// bind succeeds.
func (v *Validator) bindAsUser(ctx context.Context, dir ldap.Directory, server *ldap.ServerConfig, name string, creds *credentials) bool {
	bases := server.BaseDNs()
	if len(bases) == 0 {
		bases = []string{""}
	}
	for _, base := range bases {
		err := dir.Bind(ctx, server.UserBindDN(name, base), creds.secret())
		if err == nil {
			return true
		}
		if ldap.CategoryOf(err) == ldap.CategoryConnection {
			v.logs.Errors.Error("user bind lost the connection", "server_id", server.ID, "error", err)
			return false
		}
	}
	return false
}
