package ldap_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ldapauth/internal/ldap"
	"ldapauth/internal/ldap/ldaptest"
)

const (
	people = "ou=people,dc=hogwarts,dc=edu"
	groups = "ou=groups,dc=hogwarts,dc=edu"
)

func groupServer() *ldap.ServerConfig {
	cfg := hogwarts()
	cfg.BaseDN = []string{people, groups}
	cfg.Groups = ldap.GroupConfig{
		ObjectClass:     "groupOfNames",
		MembershipAttr:  "member",
		MemberMatchAttr: ldap.MatchByDN,
	}
	return cfg
}

func addGroup(srv *ldaptest.Server, cn string, members ...string) string {
	dn := "cn=" + cn + "," + groups
	srv.AddEntry(dn, map[string][]string{
		"objectClass": {"groupOfNames"},
		"cn":          {cn},
		"member":      members,
	}, "")
	return dn
}

type memoryCache struct {
	data        map[string][]string
	invalidated []string
}

func (m *memoryCache) GetMemberships(_ context.Context, serverID, dn string) ([]string, bool, error) {
	g, ok := m.data[serverID+"|"+strings.ToLower(dn)]
	return g, ok, nil
}

func (m *memoryCache) SetMemberships(_ context.Context, serverID, dn string, groups []string) error {
	m.data[serverID+"|"+strings.ToLower(dn)] = groups
	return nil
}

func (m *memoryCache) Invalidate(_ context.Context, serverID, dn string) error {
	delete(m.data, serverID+"|"+strings.ToLower(dn))
	m.invalidated = append(m.invalidated, dn)
	return nil
}

func TestMembershipsFromGroupAttribute(t *testing.T) {
	ctx := context.Background()
	user := "cn=hpotter," + people

	t.Run("direct only", func(t *testing.T) {
		srv := ldaptest.NewServer()
		srv.AddEntry(user, map[string][]string{"cn": {"hpotter"}}, "")
		students := addGroup(srv, "students", user)
		addGroup(srv, "gryffindor", students)
		cfg := groupServer()

		r := ldap.NewMembershipResolver(ldap.NewLookup(nil), nil, nil)
		got, err := r.Memberships(ctx, openSession(t, srv, cfg), cfg, ldap.ByName("hpotter"))
		require.NoError(t, err)
		assert.Equal(t, []string{students}, got.Values())
	})

	t.Run("nested groups terminate on cycles", func(t *testing.T) {
		srv := ldaptest.NewServer()
		srv.AddEntry(user, map[string][]string{"cn": {"hpotter"}}, "")
		a := "cn=a," + groups
		b := "cn=b," + groups
		addGroup(srv, "a", user, b)
		addGroup(srv, "b", a)
		cfg := groupServer()
		cfg.Groups.Nested = true

		r := ldap.NewMembershipResolver(ldap.NewLookup(nil), nil, nil)
		got, err := r.Memberships(ctx, openSession(t, srv, cfg), cfg, ldap.ByName("hpotter"))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a, b}, got.Values())
	})

	t.Run("nesting depth is bounded", func(t *testing.T) {
		srv := ldaptest.NewServer()
		srv.AddEntry(user, map[string][]string{"cn": {"hpotter"}}, "")
		prev := user
		var chain []string
		for i := 0; i < 15; i++ {
			prev = addGroup(srv, fmt.Sprintf("g%02d", i), prev)
			chain = append(chain, prev)
		}
		cfg := groupServer()
		cfg.Groups.Nested = true

		r := ldap.NewMembershipResolver(ldap.NewLookup(nil), nil, nil)
		got, err := r.Memberships(ctx, openSession(t, srv, cfg), cfg, ldap.ByName("hpotter"))
		require.NoError(t, err)
		assert.Equal(t, chain[:10], got.Values())
	})

	t.Run("or filters are chunked", func(t *testing.T) {
		srv := ldaptest.NewServer()
		var memberOf []string
		for i := 0; i < 120; i++ {
			memberOf = append(memberOf, addGroup(srv, fmt.Sprintf("g%03d", i)))
		}
		srv.AddEntry(user, map[string][]string{"cn": {"hpotter"}, "memberOf": memberOf}, "")
		cfg := groupServer()
		cfg.Groups.UserAttr = "memberOf"
		cfg.Groups.Nested = true
		dir := openSession(t, srv, cfg)

		r := ldap.NewMembershipResolver(ldap.NewLookup(nil), nil, nil)
		got, err := r.Memberships(ctx, dir, cfg, ldap.ByName("hpotter"))
		require.NoError(t, err)
		assert.Equal(t, 120, got.Len())

		var groupSearches int
		for _, f := range srv.Filters() {
			if !strings.HasPrefix(f, "(&(objectClass=groupOfNames)") {
				continue
			}
			groupSearches++
			assert.LessOrEqual(t, strings.Count(f, "(member="), 50)
		}
		// Three chunks per base DN.
		assert.Equal(t, 6, groupSearches)
	})
}

func TestMembershipsFromUserAttributeNested(t *testing.T) {
	srv := ldaptest.NewServer()
	user := "cn=hpotter," + people
	quidditch := addGroup(srv, "quidditch")
	sports := addGroup(srv, "sports", quidditch)
	srv.AddEntry(user, map[string][]string{"cn": {"hpotter"}, "memberOf": {quidditch}}, "")

	cfg := groupServer()
	cfg.Groups.UserAttr = "memberOf"
	cfg.Groups.Nested = true

	r := ldap.NewMembershipResolver(ldap.NewLookup(nil), nil, nil)
	got, err := r.Memberships(context.Background(), openSession(t, srv, cfg), cfg, ldap.ByName("hpotter"))
	require.NoError(t, err)
	assert.Equal(t, []string{quidditch, sports}, got.Values())
}

func TestMembershipsDerivedFromDN(t *testing.T) {
	entry := ldap.NewEntry("cn=hpotter,ou=gryffindor,ou=students,dc=hogwarts,dc=edu", nil)
	cfg := hogwarts()
	cfg.Groups = ldap.GroupConfig{DNDerivedAttr: "ou"}

	r := ldap.NewMembershipResolver(ldap.NewLookup(nil), nil, nil)
	got, err := r.Memberships(context.Background(), nil, cfg, ldap.ByEntry(entry))
	require.NoError(t, err)
	assert.Equal(t, []string{"gryffindor", "students"}, got.Values())
}

func TestMembershipsUnused(t *testing.T) {
	cfg := groupServer()
	cfg.Groups.Unused = true

	r := ldap.NewMembershipResolver(ldap.NewLookup(nil), nil, nil)
	got, err := r.Memberships(context.Background(), nil, cfg, ldap.ByName("hpotter"))
	require.NoError(t, err)
	assert.Zero(t, got.Len())
}

func TestMembershipsCache(t *testing.T) {
	ctx := context.Background()
	srv := ldaptest.NewServer()
	user := "cn=hpotter," + people
	entry := srv.AddEntry(user, map[string][]string{"cn": {"hpotter"}}, "")
	students := addGroup(srv, "students", user)
	cfg := groupServer()
	dir := openSession(t, srv, cfg)
	cache := &memoryCache{data: map[string][]string{}}
	r := ldap.NewMembershipResolver(ldap.NewLookup(nil), cache, nil)

	_, err := r.Memberships(ctx, dir, cfg, ldap.ByEntry(entry))
	require.NoError(t, err)
	searches := len(srv.Filters())

	got, err := r.Memberships(ctx, dir, cfg, ldap.ByEntry(entry))
	require.NoError(t, err)
	assert.Equal(t, []string{students}, got.Values())
	assert.Len(t, srv.Filters(), searches, "second call served from cache")

	_, err = r.Refresh(ctx, dir, cfg, ldap.ByEntry(entry))
	require.NoError(t, err)
	assert.Equal(t, []string{user}, cache.invalidated)
	assert.Greater(t, len(srv.Filters()), searches)
}

func TestGroupSet(t *testing.T) {
	s := ldap.NewGroupSet("CN=Admins,DC=x", "cn=admins,dc=x", "")
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Has("cn=ADMINS,dc=X"))
	assert.False(t, s.Add("Cn=Admins,Dc=X"))
	assert.True(t, s.Add("cn=staff,dc=x"))
	assert.Equal(t, []string{"CN=Admins,DC=x", "cn=staff,dc=x"}, s.Values())
}
