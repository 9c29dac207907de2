package authz

import (
	"context"

	"ldapauth/internal/ldap"
)

// Gate is an authn.Hook that lets the policies veto logins. A login is
// allowed when the policies permit Action::"login" on Server::"<id>".
type Gate struct {
	engine    *Engine
	connector ldap.Connector
}

// NewGate returns a Gate. With a nil connector the user is evaluated
// without group memberships.
func NewGate(engine *Engine, connector ldap.Connector) *Gate {
	return &Gate{engine: engine, connector: connector}
}

// AllowUser implements authn.Hook.
func (g *Gate) AllowUser(ctx context.Context, authName string, server *ldap.ServerConfig, entry *ldap.Entry) bool {
	groups := g.groups(ctx, server, entry)

	entities, err := userEntities(authName, nil, entry, groups)
	if err != nil {
		g.engine.log.Error("building login entities failed", "auth_name", authName, "error", err)
		return false
	}
	allowed := g.engine.allowed(entities, authName, ActionLogin, TypeServer, server.ID, requestContext(server, entry))
	if !allowed {
		g.engine.log.Info("login denied by policy", "auth_name", authName, "server_id", server.ID)
	}
	return allowed
}

// AlterEntry implements authn.Hook.
func (g *Gate) AlterEntry(context.Context, string, *ldap.Entry) {}

// groups opens a session with the server's own credentials. Servers that
// bind as the user have none, so their users are evaluated without groups.
func (g *Gate) groups(ctx context.Context, server *ldap.ServerConfig, entry *ldap.Entry) []string {
	if g.connector == nil || g.engine.groups == nil || server.BindsAsUser() || server.Groups.Unused {
		return nil
	}
	dir, err := ldap.OpenSession(ctx, g.connector, server)
	if err != nil {
		g.engine.log.Warn("could not open a session for group lookup", "server_id", server.ID, "error", err)
		return nil
	}
	defer dir.Close()

	groups, err := g.engine.memberships(ctx, dir, server, entry)
	if err != nil {
		g.engine.log.Warn("group lookup failed", "server_id", server.ID, "dn", entry.DN, "error", err)
		return nil
	}
	return groups
}
