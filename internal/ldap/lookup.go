package ldap

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
)

// requestAllAttributes asks for user and operational attributes.
var requestAllAttributes = []string{"*", "+"}

// Lookup resolves login names to directory entries.
type Lookup struct {
	log hclog.Logger
}

// NewLookup returns a lookup service logging configuration problems to
// logger.
func NewLookup(logger hclog.Logger) *Lookup {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Lookup{log: logger}
}

// Resolve searches each base DN of server in order for exactly one entry
// whose login attribute equals username. It returns ErrEntryNotFound when
// no base DN yields a match, and a categorised *Error when a search fails.
func (l *Lookup) Resolve(ctx context.Context, dir Directory, server *ServerConfig, username string) (*Entry, error) {
	if server.UserAttr == "" {
		return nil, &Error{Op: "search", ServerID: server.ID, Category: CategoryValidation,
			Cause: fmt.Errorf("server has no login attribute")}
	}

	filter := fmt.Sprintf("(%s=%s)", server.UserAttr, ldap.EscapeFilter(username))
	for _, baseDN := range server.BaseDNs() {
		entries, err := dir.Search(ctx, SearchRequest{
			BaseDN:     baseDN,
			Filter:     filter,
			Attributes: requestAllAttributes,
		})
		if err != nil {
			return nil, err
		}

		switch len(entries) {
		case 0:
			continue
		case 1:
		default:
			l.log.Error("multiple entries match login name, skipping base DN",
				"server_id", server.ID, "base_dn", baseDN, "filter", filter, "count", len(entries))
			continue
		}

		entry := entries[0]
		if server.BindMethod == BindAnonymousOnly || hasLoginName(entry.Values(server.UserAttr), username) {
			return entry, nil
		}
		l.log.Debug("entry login attribute does not match submitted name",
			"server_id", server.ID, "base_dn", baseDN, "dn", entry.DN)
	}
	return nil, ErrEntryNotFound
}

// hasLoginName reports whether any of values equals name, ignoring case
// and surrounding whitespace.
func hasLoginName(values []string, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), name) {
			return true
		}
	}
	return false
}
