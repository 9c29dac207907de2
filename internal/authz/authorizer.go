// Package authz maps directory identities to authorizations with Cedar
// policies.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	cedar "github.com/cedar-policy/cedar-go"
	"github.com/hashicorp/go-hclog"

	"ldapauth/internal/authn"
	"ldapauth/internal/ldap"
)

// Entity types and actions the policies are written against.
const (
	TypeUser   = "User"
	TypeGroup  = "Group"
	TypeRole   = "Role"
	TypeServer = "Server"
	TypeAction = "Action"

	ActionAssign = "assign"
	ActionLogin  = "login"
)

// Profile is a named set of roles. A role is applied to a user when the
// policies permit Action::"assign" on Role::"<role>".
type Profile struct {
	Name  string   `yaml:"name" json:"name"`
	Roles []string `yaml:"roles" json:"roles"`
}

// Config configures the engine.
type Config struct {
	// PolicyFile is read when Policies is empty.
	PolicyFile string    `yaml:"policy_file"`
	Policies   string    `yaml:"policies"`
	Profiles   []Profile `yaml:"profiles"`
	// LoginGate installs a hook that requires Action::"login" on the
	// server for every login.
	LoginGate bool `yaml:"login_gate"`
}

// Enabled reports whether any policy source is configured.
func (c Config) Enabled() bool {
	return c.Policies != "" || c.PolicyFile != ""
}

// Engine evaluates Cedar policies for directory users.
type Engine struct {
	policies *cedar.PolicySet
	profiles []Profile
	groups   *ldap.MembershipResolver
	log      hclog.Logger
}

// NewEngine parses the configured policies.
func NewEngine(cfg Config, groups *ldap.MembershipResolver, logger hclog.Logger) (*Engine, error) {
	name, text := "policies.cedar", []byte(cfg.Policies)
	if cfg.Policies == "" {
		if cfg.PolicyFile == "" {
			return nil, errors.New("authz: no policies configured")
		}
		data, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("read policies: %w", err)
		}
		name, text = cfg.PolicyFile, data
	}

	ps, err := cedar.NewPolicySetFromBytes(name, text)
	if err != nil {
		return nil, fmt.Errorf("parse policies: %w", err)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Engine{policies: ps, profiles: cfg.Profiles, groups: groups, log: logger}, nil
}

// Authorizations implements authn.Authorizer. Each profile lists the roles
// the policies assign to the user.
func (e *Engine) Authorizations(ctx context.Context, dir ldap.Directory, server *ldap.ServerConfig, account *authn.Account, entry *ldap.Entry) ([]authn.Authorization, error) {
	groups, err := e.memberships(ctx, dir, server, entry)
	if err != nil {
		return nil, err
	}

	principal := principalID(account, entry)
	entities, err := userEntities(principal, account, entry, groups)
	if err != nil {
		return nil, err
	}
	reqContext := requestContext(server, entry)

	out := make([]authn.Authorization, 0, len(e.profiles))
	for _, p := range e.profiles {
		authz := authn.Authorization{Profile: p.Name}
		for _, role := range p.Roles {
			if e.allowed(entities, principal, ActionAssign, TypeRole, role, reqContext) {
				authz.Applied = append(authz.Applied, role)
			}
		}
		out = append(out, authz)
	}
	return out, nil
}

func (e *Engine) memberships(ctx context.Context, dir ldap.Directory, server *ldap.ServerConfig, entry *ldap.Entry) ([]string, error) {
	if e.groups == nil || dir == nil || entry == nil {
		return nil, nil
	}
	set, err := e.groups.Memberships(ctx, dir, server, ldap.ByEntry(entry))
	if err != nil {
		return nil, fmt.Errorf("group memberships: %w", err)
	}
	return set.Values(), nil
}

func (e *Engine) allowed(entities cedar.EntityMap, principal, action, resourceType, resourceID string, reqContext cedar.Record) bool {
	req := cedar.Request{
		Principal: cedar.NewEntityUID(TypeUser, cedar.String(principal)),
		Action:    cedar.NewEntityUID(TypeAction, cedar.String(action)),
		Resource:  cedar.NewEntityUID(cedar.EntityType(resourceType), cedar.String(resourceID)),
		Context:   reqContext,
	}
	decision, diag := cedar.Authorize(e.policies, entities, req)
	if len(diag.Errors) > 0 {
		e.log.Warn("policy evaluation errors", "principal", principal, "action", action, "errors", diagnosticErrorsToStrings(diag.Errors))
	}
	if e.log.IsTrace() {
		e.log.Trace("policy decision", "principal", principal, "action", action, "resource", resourceType+"::"+resourceID,
			"allow", decision == cedar.Allow, "reasons", reasonsToStrings(diag.Reasons))
	}
	return decision == cedar.Allow
}

// principalID names the user by the local account name when known,
// otherwise by the directory DN.
func principalID(account *authn.Account, entry *ldap.Entry) string {
	if account != nil && account.Name != "" {
		return account.Name
	}
	if entry != nil {
		return entry.DN
	}
	return ""
}

// userEntities builds the entity store for one request: the user with its
// groups as parents.
func userEntities(principal string, account *authn.Account, entry *ldap.Entry, groups []string) (cedar.EntityMap, error) {
	attrs := map[string]any{}
	if entry != nil {
		attrs["dn"] = entry.DN
	}
	if account != nil {
		attrs["name"] = account.Name
		if account.Email != "" {
			attrs["email"] = account.Email
		}
	}

	// Groups named by DN are also reachable by their first RDN value, so
	// policies can say Group::"gryffindor".
	parents := make([]map[string]string, 0, 2*len(groups))
	for _, g := range groups {
		parents = append(parents, map[string]string{"type": TypeGroup, "id": g})
		if short := ldap.FirstRDNValue(g); short != "" && short != g {
			parents = append(parents, map[string]string{"type": TypeGroup, "id": short})
		}
	}

	raw := []map[string]any{{
		"uid":     map[string]string{"type": TypeUser, "id": principal},
		"attrs":   attrs,
		"parents": parents,
	}}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal entities: %w", err)
	}
	var entities cedar.EntityMap
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("unmarshal entities: %w", err)
	}
	return entities, nil
}

func requestContext(server *ldap.ServerConfig, entry *ldap.Entry) cedar.Record {
	ctx := map[string]any{}
	if server != nil {
		ctx["server"] = server.ID
	}
	if entry != nil {
		ctx["dn"] = entry.DN
	}
	return mapToRecord(ctx)
}

func mapToRecord(ctx map[string]any) cedar.Record {
	rec := cedar.RecordMap{}
	for k, v := range ctx {
		rec[cedar.String(k)] = toValue(v)
	}
	return cedar.NewRecord(rec)
}

func toValue(v any) cedar.Value {
	switch t := v.(type) {
	case string:
		return cedar.String(t)
	case bool:
		if t {
			return cedar.True
		}
		return cedar.False
	case int:
		return cedar.Long(t)
	case int64:
		return cedar.Long(t)
	case float64:
		if math.Trunc(t) == t {
			return cedar.Long(int64(t))
		}
		return cedar.String(fmt.Sprint(t))
	case map[string]any:
		return mapToRecord(t)
	default:
		return cedar.String(fmt.Sprint(v))
	}
}

func reasonsToStrings(reasons []cedar.DiagnosticReason) []string {
	out := make([]string, 0, len(reasons))
	for _, r := range reasons {
		if data, err := json.Marshal(r); err == nil {
			out = append(out, string(data))
			continue
		}
		out = append(out, fmt.Sprintf("%v", r))
	}
	return out
}

func diagnosticErrorsToStrings(errs []cedar.DiagnosticError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.String())
	}
	return out
}
