package authn

import (
	"context"
	"strings"

	"ldapauth/internal/ldap"
	"ldapauth/internal/logging"
)

// Policy applies the allow and exclude rules to a resolved entry.
type Policy struct {
	settings   Settings
	accounts   AccountStore
	identities IdentityMap
	authorizer Authorizer
	hooks      []Hook
	logs       logging.Sinks
}

// NewPolicy returns a Policy. authorizer may be nil.
func NewPolicy(settings Settings, accounts AccountStore, identities IdentityMap, authorizer Authorizer, hooks []Hook, logs logging.Sinks) *Policy {
	return &Policy{
		settings:   settings,
		accounts:   accounts,
		identities: identities,
		authorizer: authorizer,
		hooks:      hooks,
		logs:       logs,
	}
}

// CheckAllowedExcluded reports whether the entry found for authName may
// log in through server.
func (p *Policy) CheckAllowedExcluded(ctx context.Context, dir ldap.Directory, authName string, server *ldap.ServerConfig, entry *ldap.Entry) bool {
	dn := strings.ToLower(entry.DN)

	for _, text := range p.settings.ExcludeIfTextInDN {
		text = strings.ToLower(strings.TrimSpace(text))
		if text != "" && strings.Contains(dn, text) {
			p.logs.Detail.Debug("excluded by dn text", "user", authName, "dn", entry.DN, "text", text)
			return false
		}
	}

	if len(p.settings.AllowOnlyIfTextInDN) > 0 {
		allowed := false
		for _, text := range p.settings.AllowOnlyIfTextInDN {
			text = strings.ToLower(strings.TrimSpace(text))
			if text != "" && strings.Contains(dn, text) {
				allowed = true
				break
			}
		}
		if !allowed {
			p.logs.Detail.Debug("dn matches no allowed text", "user", authName, "dn", entry.DN)
			return false
		}
	}

	if p.settings.ExcludeIfNoAuthorizations && !p.hasAuthorizations(ctx, dir, authName, server, entry) {
		return false
	}

	for _, h := range p.hooks {
		if !h.AllowUser(ctx, authName, server, entry) {
			p.logs.Detail.Debug("rejected by hook", "user", authName, "dn", entry.DN)
			return false
		}
	}

	return true
}

func (p *Policy) hasAuthorizations(ctx context.Context, dir ldap.Directory, authName string, server *ldap.ServerConfig, entry *ldap.Entry) bool {
	if p.authorizer == nil {
		p.logs.Errors.Warn("exclude_if_no_authorizations is set but no authorization mapping is configured; rule skipped")
		return true
	}

	account, err := p.candidateAccount(ctx, authName)
	if err != nil {
		p.logs.Errors.Error("account lookup failed", "user", authName, "error", err)
		return false
	}
	if account == nil {
		account = &Account{Name: authName, Status: StatusActive}
	}

	authz, err := p.authorizer.Authorizations(ctx, dir, server, account, entry)
	if err != nil {
		p.logs.Errors.Error("authorization mapping failed", "user", authName, "server", server.ID, "error", err)
		return false
	}
	for _, a := range authz {
		if len(a.Applied) > 0 {
			return true
		}
	}

	p.logs.Errors.Warn("user has no authorizations and exclude_if_no_authorizations is set; check the authorization mapping",
		"user", authName, "dn", entry.DN)
	return false
}

// candidateAccount finds the local account a directory name would log in
// as, preferring the identity map.
func (p *Policy) candidateAccount(ctx context.Context, authName string) (*Account, error) {
	id, ok, err := p.identities.Lookup(ctx, p.settings.IdentityNamespace, authName)
	if err != nil {
		return nil, err
	}
	if ok {
		return p.accounts.FindByID(ctx, id)
	}
	return p.accounts.FindByName(ctx, authName)
}
