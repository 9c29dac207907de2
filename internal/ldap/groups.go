package ldap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
)

const (
	// maxFilterTerms bounds the number of alternatives in one OR filter.
	maxFilterTerms = 50
	// maxNestingDepth bounds recursive parent-group searches.
	maxNestingDepth = 10
)

// GroupSet is an insertion-ordered set of group identifiers compared
// case-insensitively.
type GroupSet struct {
	keys  map[string]struct{}
	items []string
}

// NewGroupSet returns a set holding values.
func NewGroupSet(values ...string) *GroupSet {
	s := &GroupSet{keys: make(map[string]struct{}, len(values))}
	for _, v := range values {
		s.Add(v)
	}
	return s
}

// Add inserts v and reports whether it was new. Empty values are ignored.
func (s *GroupSet) Add(v string) bool {
	if v == "" {
		return false
	}
	k := strings.ToLower(v)
	if _, ok := s.keys[k]; ok {
		return false
	}
	s.keys[k] = struct{}{}
	s.items = append(s.items, v)
	return true
}

func (s *GroupSet) Has(v string) bool {
	_, ok := s.keys[strings.ToLower(v)]
	return ok
}

func (s *GroupSet) Len() int { return len(s.items) }

// Values returns the members in insertion order.
func (s *GroupSet) Values() []string {
	return append([]string(nil), s.items...)
}

type subjectKind int

const (
	subjectEntry subjectKind = iota
	subjectName
	subjectAccount
)

// Subject identifies whose memberships to compute.
type Subject struct {
	kind  subjectKind
	entry *Entry
	name  string
}

// ByEntry uses an already resolved directory entry.
func ByEntry(e *Entry) Subject { return Subject{kind: subjectEntry, entry: e} }

// ByName resolves a directory login name.
func ByName(name string) Subject { return Subject{kind: subjectName, name: name} }

// ByAccount resolves the directory name a local account is mapped to.
func ByAccount(authName string) Subject { return Subject{kind: subjectAccount, name: authName} }

// MembershipCache stores computed memberships per server and DN.
type MembershipCache interface {
	GetMemberships(ctx context.Context, serverID, dn string) ([]string, bool, error)
	SetMemberships(ctx context.Context, serverID, dn string, groups []string) error
	Invalidate(ctx context.Context, serverID, dn string) error
}

// MembershipResolver computes the groups a directory entry belongs to.
type MembershipResolver struct {
	lookup *Lookup
	cache  MembershipCache
	log    hclog.Logger
}

// NewMembershipResolver returns a resolver. cache may be nil.
func NewMembershipResolver(lookup *Lookup, cache MembershipCache, logger hclog.Logger) *MembershipResolver {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &MembershipResolver{lookup: lookup, cache: cache, log: logger}
}

// Memberships returns the groups of subject on server, using dir for any
// searches. Servers configured with groups unused yield an empty set.
func (r *MembershipResolver) Memberships(ctx context.Context, dir Directory, server *ServerConfig, subject Subject) (*GroupSet, error) {
	groups := NewGroupSet()
	if server.Groups.Unused {
		return groups, nil
	}

	entry, err := r.resolve(ctx, dir, server, subject)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		cached, ok, err := r.cache.GetMemberships(ctx, server.ID, entry.DN)
		if err != nil {
			r.log.Warn("membership cache read failed", "server_id", server.ID, "error", err)
		} else if ok {
			return NewGroupSet(cached...), nil
		}
	}

	cfg := server.Groups
	switch {
	case cfg.UserAttr != "":
		err = r.fromUserAttribute(ctx, dir, server, entry, groups)
	case cfg.MembershipAttr != "":
		err = r.fromGroupAttribute(ctx, dir, server, entry, groups)
	case cfg.DNDerivedAttr != "":
		for _, v := range RDNValues(entry.DN, cfg.DNDerivedAttr) {
			groups.Add(v)
		}
	}
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.SetMemberships(ctx, server.ID, entry.DN, groups.Values()); err != nil {
			r.log.Warn("membership cache write failed", "server_id", server.ID, "error", err)
		}
	}
	return groups, nil
}

// Refresh drops any cached memberships of subject before computing them.
func (r *MembershipResolver) Refresh(ctx context.Context, dir Directory, server *ServerConfig, subject Subject) (*GroupSet, error) {
	if r.cache != nil && !server.Groups.Unused {
		entry, err := r.resolve(ctx, dir, server, subject)
		if err != nil {
			return nil, err
		}
		if err := r.cache.Invalidate(ctx, server.ID, entry.DN); err != nil {
			r.log.Warn("membership cache invalidate failed", "server_id", server.ID, "error", err)
		}
		subject = ByEntry(entry)
	}
	return r.Memberships(ctx, dir, server, subject)
}

func (r *MembershipResolver) resolve(ctx context.Context, dir Directory, server *ServerConfig, subject Subject) (*Entry, error) {
	switch subject.kind {
	case subjectEntry:
		if subject.entry == nil {
			return nil, errors.New("membership subject has no entry")
		}
		return subject.entry, nil
	case subjectName, subjectAccount:
		return r.lookup.Resolve(ctx, dir, server, subject.name)
	default:
		return nil, fmt.Errorf("unknown membership subject kind %d", subject.kind)
	}
}

// fromUserAttribute reads memberships stored on the user, e.g. memberOf,
// then follows parent groups when nesting is enabled.
func (r *MembershipResolver) fromUserAttribute(ctx context.Context, dir Directory, server *ServerConfig, entry *Entry, groups *GroupSet) error {
	direct := entry.Values(server.Groups.UserAttr)
	for _, dn := range direct {
		groups.Add(dn)
	}
	if !server.Groups.Nested || server.Groups.MembershipAttr == "" {
		return nil
	}

	tested := NewGroupSet()
	var terms []string
	for _, dn := range direct {
		value := dn
		if !strings.EqualFold(server.Groups.MemberMatchAttr, MatchByDN) {
			value = FirstRDNValue(dn)
		}
		if tested.Add(value) {
			terms = append(terms, memberTerm(server, value))
		}
	}
	return r.searchParents(ctx, dir, server, terms, groups, tested, 0)
}

// fromGroupAttribute searches for groups naming the user as a member.
func (r *MembershipResolver) fromGroupAttribute(ctx context.Context, dir Directory, server *ServerConfig, entry *Entry, groups *GroupSet) error {
	value := entry.Value(server.Groups.MemberMatchAttr)
	if value == "" {
		r.log.Debug("entry has no member matching attribute",
			"server_id", server.ID, "dn", entry.DN, "attribute", server.Groups.MemberMatchAttr)
		return nil
	}

	tested := NewGroupSet(value)
	if !server.Groups.Nested {
		return r.searchGroups(ctx, dir, server, []string{memberTerm(server, value)}, groups, tested, nil)
	}
	return r.searchParents(ctx, dir, server, []string{memberTerm(server, value)}, groups, tested, 0)
}

// searchParents finds groups whose membership attribute matches any of
// terms and repeats for newly found groups until nothing new turns up or
// the depth limit is reached. tested holds match values already searched
// for, which keeps cyclic nesting finite.
func (r *MembershipResolver) searchParents(ctx context.Context, dir Directory, server *ServerConfig, terms []string, groups, tested *GroupSet, depth int) error {
	for len(terms) > 0 {
		if depth >= maxNestingDepth {
			r.log.Warn("group nesting depth limit reached", "server_id", server.ID, "depth", depth)
			return nil
		}
		var next []string
		if err := r.searchGroups(ctx, dir, server, terms, groups, tested, &next); err != nil {
			return err
		}
		terms = next
		depth++
	}
	return nil
}

// searchGroups runs chunked OR searches for terms across every base DN.
// When next is non-nil, terms for untested groups found are appended to it.
func (r *MembershipResolver) searchGroups(ctx context.Context, dir Directory, server *ServerConfig, terms []string, groups, tested *GroupSet, next *[]string) error {
	attrs := []string{"dn"}
	if !strings.EqualFold(server.Groups.MemberMatchAttr, MatchByDN) {
		attrs = append(attrs, server.Groups.MemberMatchAttr)
	}

	for start := 0; start < len(terms); start += maxFilterTerms {
		end := min(start+maxFilterTerms, len(terms))
		filter := groupFilter(server.Groups.ObjectClass, terms[start:end])

		for _, baseDN := range server.BaseDNs() {
			found, err := dir.Search(ctx, SearchRequest{BaseDN: baseDN, Filter: filter, Attributes: attrs})
			if err != nil {
				return err
			}
			for _, g := range found {
				groups.Add(g.DN)
				if next == nil {
					continue
				}
				match := groupMatchValue(server, g)
				if tested.Add(match) {
					*next = append(*next, memberTerm(server, match))
				}
			}
		}
	}
	return nil
}

func groupMatchValue(server *ServerConfig, g *Entry) string {
	if strings.EqualFold(server.Groups.MemberMatchAttr, MatchByDN) {
		return g.DN
	}
	if v := g.Value(server.Groups.MemberMatchAttr); v != "" {
		return v
	}
	return FirstRDNValue(g.DN)
}

func memberTerm(server *ServerConfig, value string) string {
	return fmt.Sprintf("(%s=%s)", server.Groups.MembershipAttr, ldap.EscapeFilter(value))
}

func groupFilter(objectClass string, terms []string) string {
	var b strings.Builder
	b.WriteString("(&")
	if objectClass != "" {
		fmt.Fprintf(&b, "(objectClass=%s)", ldap.EscapeFilter(objectClass))
	}
	if len(terms) == 1 {
		b.WriteString(terms[0])
	} else {
		b.WriteString("(|")
		for _, t := range terms {
			b.WriteString(t)
		}
		b.WriteString(")")
	}
	b.WriteString(")")
	return b.String()
}
