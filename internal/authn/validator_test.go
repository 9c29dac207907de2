package authn_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ldapauth/internal/authn"
	"ldapauth/internal/authn/authntest"
	"ldapauth/internal/ldap"
	"ldapauth/internal/ldap/ldaptest"
)

const (
	baseDN    = "dc=hogwarts,dc=edu"
	peopleDN  = "ou=people,dc=hogwarts,dc=edu"
	serviceDN = "cn=service,dc=hogwarts,dc=edu"
)

type fixture struct {
	network    *ldaptest.Network
	servers    map[string]*ldaptest.Server
	configs    []*ldap.ServerConfig
	accounts   *authntest.Accounts
	identities *authntest.Identities
	// identityMap replaces identities in the validator when set.
	identityMap authn.IdentityMap
	hooks       []authn.Hook
	authorizer  authn.Authorizer
}

// newFixture creates one fake server per id, in priority order.
func newFixture(ids ...string) *fixture {
	f := &fixture{
		network:    ldaptest.NewNetwork(),
		servers:    map[string]*ldaptest.Server{},
		accounts:   authntest.NewAccounts(),
		identities: authntest.NewIdentities(),
	}
	for i, id := range ids {
		srv := ldaptest.NewServer()
		srv.SetPassword(serviceDN, "secret")
		f.network.Add(id, srv)
		f.servers[id] = srv
		f.configs = append(f.configs, &ldap.ServerConfig{
			ID:             id,
			Weight:         i,
			Enabled:        true,
			Authentication: true,
			Address:        id + ".hogwarts.edu",
			BindMethod:     ldap.BindServiceAccount,
			BindDN:         serviceDN,
			BindPassword:   "secret",
			BaseDN:         []string{baseDN},
			UserAttr:       "cn",
			MailAttr:       "mail",
		})
	}
	return f
}

func (f *fixture) config(id string) *ldap.ServerConfig {
	for _, c := range f.configs {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (f *fixture) validator(t *testing.T, settings authn.Settings) *authn.Validator {
	t.Helper()
	registry, err := ldap.NewStaticRegistry(f.configs...)
	require.NoError(t, err)
	var identities authn.IdentityMap = f.identities
	if f.identityMap != nil {
		identities = f.identityMap
	}
	v, err := authn.NewValidator(settings, authn.Deps{
		Registry:   registry,
		Connector:  f.network,
		Accounts:   f.accounts,
		Identities: identities,
		Authorizer: f.authorizer,
		Hooks:      f.hooks,
	})
	require.NoError(t, err)
	return v
}

func addPerson(srv *ldaptest.Server, ou, cn, mail, password string) string {
	dn := "cn=" + cn + ",ou=" + ou + "," + baseDN
	attrs := map[string][]string{"objectClass": {"person"}, "cn": {cn}}
	if mail != "" {
		attrs["mail"] = []string{mail}
	}
	srv.AddEntry(dn, attrs, password)
	return dn
}

func exclusive() authn.Settings {
	s := authn.DefaultSettings()
	s.Mode = authn.ModeExclusive
	return s
}

func TestTestCredentials(t *testing.T) {
	ctx := context.Background()

	t.Run("success on a single server", func(t *testing.T) {
		f := newFixture("s1")
		dn := addPerson(f.servers["s1"], "people", "hpotter", "hpotter@hogwarts.edu", "alohomora")

		attempt, err := f.validator(t, authn.DefaultSettings()).TestCredentials(ctx, "hpotter", "alohomora")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeSuccess, attempt.Outcome)
		assert.Equal(t, "s1", attempt.Server.ID)
		assert.Equal(t, dn, attempt.Entry.DN)
		assert.Equal(t, []string{serviceDN, dn}, f.servers["s1"].Binds())
		assert.Equal(t, f.servers["s1"].Connects(), f.servers["s1"].Closes())
	})

	t.Run("servers are tried in weight order", func(t *testing.T) {
		f := newFixture("s1", "s2")
		f.config("s1").Weight = 5
		addPerson(f.servers["s1"], "people", "hpotter", "", "alohomora")
		addPerson(f.servers["s2"], "people", "hpotter", "", "alohomora")

		attempt, err := f.validator(t, authn.DefaultSettings()).TestCredentials(ctx, "hpotter", "alohomora")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeSuccess, attempt.Outcome)
		assert.Equal(t, "s2", attempt.Server.ID)
		assert.Zero(t, f.servers["s1"].Connects())
	})

	t.Run("disallowed stops the server loop", func(t *testing.T) {
		f := newFixture("s1", "s2")
		addPerson(f.servers["s1"], "groups", "hpotter", "", "alohomora")
		addPerson(f.servers["s2"], "people", "hpotter", "", "alohomora")
		settings := authn.DefaultSettings()
		settings.ExcludeIfTextInDN = []string{"OU=Groups"}

		attempt, err := f.validator(t, settings).TestCredentials(ctx, "hpotter", "alohomora")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeDisallowed, attempt.Outcome)
		assert.Zero(t, f.servers["s2"].Connects())
	})

	t.Run("ambiguous entries never authenticate", func(t *testing.T) {
		f := newFixture("s1", "s2")
		addPerson(f.servers["s1"], "people", "hpotter", "", "alohomora")
		addPerson(f.servers["s1"], "staff", "hpotter", "", "alohomora")

		attempt, err := f.validator(t, authn.DefaultSettings()).TestCredentials(ctx, "hpotter", "alohomora")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeFind, attempt.Outcome)
		assert.Equal(t, []string{serviceDN}, f.servers["s1"].Binds())

		dn := addPerson(f.servers["s2"], "people", "hpotter", "", "alohomora")
		attempt, err = f.validator(t, authn.DefaultSettings()).TestCredentials(ctx, "hpotter", "alohomora")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeSuccess, attempt.Outcome)
		assert.Equal(t, dn, attempt.Entry.DN)
	})

	t.Run("wrong password falls through to the next server", func(t *testing.T) {
		f := newFixture("s1", "s2")
		addPerson(f.servers["s1"], "people", "hpotter", "", "other")
		addPerson(f.servers["s2"], "people", "hpotter", "", "alohomora")

		attempt, err := f.validator(t, authn.DefaultSettings()).TestCredentials(ctx, "hpotter", "alohomora")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeSuccess, attempt.Outcome)
		assert.Equal(t, "s2", attempt.Server.ID)
	})

	t.Run("wrong password everywhere", func(t *testing.T) {
		f := newFixture("s1")
		addPerson(f.servers["s1"], "people", "hpotter", "", "other")

		attempt, err := f.validator(t, authn.DefaultSettings()).TestCredentials(ctx, "hpotter", "alohomora")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeCredentials, attempt.Outcome)
		assert.Nil(t, attempt.Entry)
	})

	t.Run("connect failure is not a credentials failure", func(t *testing.T) {
		f := newFixture("s1")
		f.servers["s1"].ConnectErr = assert.AnError

		attempt, err := f.validator(t, authn.DefaultSettings()).TestCredentials(ctx, "hpotter", "alohomora")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeUnknown, attempt.Outcome)
	})

	t.Run("connect failure keeps the earlier outcome", func(t *testing.T) {
		f := newFixture("s1", "s2")
		f.servers["s2"].ConnectErr = assert.AnError

		attempt, err := f.validator(t, authn.DefaultSettings()).TestCredentials(ctx, "hpotter", "alohomora")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeFind, attempt.Outcome)
	})

	t.Run("service bind failure", func(t *testing.T) {
		f := newFixture("s1")
		f.config("s1").BindPassword = "wrong"

		attempt, err := f.validator(t, authn.DefaultSettings()).TestCredentials(ctx, "hpotter", "alohomora")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeBind, attempt.Outcome)
		assert.Empty(t, f.servers["s1"].Filters())
		assert.Equal(t, 1, f.servers["s1"].Closes())
	})

	t.Run("search failure moves to the next server", func(t *testing.T) {
		f := newFixture("s1", "s2")
		f.servers["s1"].SearchErr = assert.AnError
		addPerson(f.servers["s2"], "people", "hpotter", "", "alohomora")

		attempt, err := f.validator(t, authn.DefaultSettings()).TestCredentials(ctx, "hpotter", "alohomora")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeSuccess, attempt.Outcome)
		assert.Equal(t, "s2", attempt.Server.ID)
	})

	t.Run("user bind method proves the password with the first bind", func(t *testing.T) {
		f := newFixture("s1")
		cfg := f.config("s1")
		cfg.BindMethod = ldap.BindUser
		cfg.BindDN, cfg.BindPassword = "", ""
		cfg.BaseDN = []string{"ou=staff," + baseDN, peopleDN}
		cfg.UserDNExpression = "cn=%username,%basedn"
		dn := addPerson(f.servers["s1"], "people", "hpotter", "", "alohomora")

		attempt, err := f.validator(t, authn.DefaultSettings()).TestCredentials(ctx, "hpotter", "alohomora")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeSuccess, attempt.Outcome)
		assert.Equal(t, dn, attempt.Entry.DN)
		assert.Equal(t, []string{"cn=hpotter,ou=staff," + baseDN, dn}, f.servers["s1"].Binds())
	})

	t.Run("user bind failure is a credentials failure", func(t *testing.T) {
		f := newFixture("s1")
		cfg := f.config("s1")
		cfg.BindMethod = ldap.BindUser
		cfg.UserDNExpression = "cn=%username,%basedn"
		addPerson(f.servers["s1"], "people", "hpotter", "", "alohomora")

		attempt, err := f.validator(t, authn.DefaultSettings()).TestCredentials(ctx, "hpotter", "nox")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeCredentials, attempt.Outcome)
		assert.Empty(t, f.servers["s1"].Filters())
	})

	t.Run("anonymous then user verifies with a second bind", func(t *testing.T) {
		f := newFixture("s1")
		f.servers["s1"].AllowAnonymous = true
		f.config("s1").BindMethod = ldap.BindAnonymousThenUser
		dn := addPerson(f.servers["s1"], "people", "hpotter", "", "alohomora")

		attempt, err := f.validator(t, authn.DefaultSettings()).TestCredentials(ctx, "hpotter", "alohomora")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeSuccess, attempt.Outcome)
		assert.Equal(t, []string{"", dn}, f.servers["s1"].Binds())
	})

	t.Run("padded directory value matches the typed name", func(t *testing.T) {
		f := newFixture("s1")
		dn := "cn=hpotter," + peopleDN
		f.servers["s1"].AddEntry(dn, map[string][]string{"cn": {" HPotter "}}, "alohomora")

		attempt, err := f.validator(t, authn.DefaultSettings()).TestCredentials(ctx, "hpotter", "alohomora")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeSuccess, attempt.Outcome)
	})
}

func TestTestSsoCredentials(t *testing.T) {
	ctx := context.Background()

	t.Run("no password bind", func(t *testing.T) {
		f := newFixture("s1")
		addPerson(f.servers["s1"], "people", "hpotter", "", "alohomora")

		attempt, err := f.validator(t, authn.DefaultSettings()).TestSsoCredentials(ctx, "hpotter")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeSuccess, attempt.Outcome)
		assert.Equal(t, authn.SourceSSO, attempt.Source)
		assert.Equal(t, []string{serviceDN}, f.servers["s1"].Binds())
	})

	t.Run("user bind method is refused without connecting", func(t *testing.T) {
		f := newFixture("s1")
		f.config("s1").BindMethod = ldap.BindUser

		attempt, err := f.validator(t, authn.DefaultSettings()).TestSsoCredentials(ctx, "hpotter")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeCredentials, attempt.Outcome)
		assert.Zero(t, f.servers["s1"].Connects())
	})

	t.Run("policy still applies", func(t *testing.T) {
		f := newFixture("s1")
		addPerson(f.servers["s1"], "people", "hpotter", "", "")
		settings := authn.DefaultSettings()
		settings.AllowOnlyIfTextInDN = []string{"ou=staff"}

		attempt, err := f.validator(t, settings).TestSsoCredentials(ctx, "hpotter")
		require.NoError(t, err)
		assert.Equal(t, authn.OutcomeDisallowed, attempt.Outcome)
	})
}

func TestValidateLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("provisions a new account", func(t *testing.T) {
		f := newFixture("s1")
		addPerson(f.servers["s1"], "people", "hpotter", "hpotter@hogwarts.edu", "alohomora")

		session := f.validator(t, authn.DefaultSettings()).ValidateLogin(ctx, "hpotter", "alohomora", authn.Session{})
		require.True(t, session.Authenticated())
		assert.Empty(t, session.Error)

		account := f.accounts.Get(session.AccountID)
		assert.Equal(t, "hpotter", account.Name)
		assert.Equal(t, "hpotter@hogwarts.edu", account.Email)
		assert.Equal(t, authn.StatusActive, account.Status)
		assert.Equal(t, "s1", account.Link.ServerID)
		assert.Equal(t, "cn=hpotter,"+peopleDN, account.Link.CurrentDN)

		id, ok, err := f.identities.Lookup(ctx, "ldap_user", "hpotter")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, session.AccountID, id)
	})

	t.Run("failure text depends on mode", func(t *testing.T) {
		f := newFixture("s1", "s2")

		session := f.validator(t, exclusive()).ValidateLogin(ctx, "unknownuser", "pw", authn.Session{})
		assert.False(t, session.Authenticated())
		assert.Equal(t, "User disallowed", session.Error)

		session = f.validator(t, authn.DefaultSettings()).ValidateLogin(ctx, "unknownuser", "pw", authn.Session{})
		assert.False(t, session.Authenticated())
		assert.Empty(t, session.Error)
		assert.Zero(t, f.accounts.Count())
	})

	t.Run("failure texts in exclusive mode", func(t *testing.T) {
		tests := []struct {
			name  string
			setup func(f *fixture)
			want  string
		}{
			{
				name: "credentials",
				setup: func(f *fixture) {
					addPerson(f.servers["s1"], "people", "hpotter", "", "other")
				},
				want: "Sorry, unrecognized username or password.",
			},
			{
				name: "bind",
				setup: func(f *fixture) {
					f.config("s1").BindPassword = "wrong"
				},
				want: "Failed to bind to the directory server. See the error log for details.",
			},
			{
				name: "unreachable",
				setup: func(f *fixture) {
					f.servers["s1"].ConnectErr = assert.AnError
				},
				want: "Sorry, unrecognized username or password.",
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := newFixture("s1")
				tt.setup(f)
				session := f.validator(t, exclusive()).ValidateLogin(ctx, "hpotter", "alohomora", authn.Session{})
				assert.False(t, session.Authenticated())
				assert.Equal(t, tt.want, session.Error)
			})
		}
	})

	t.Run("already authenticated in mixed mode", func(t *testing.T) {
		f := newFixture("s1")
		in := authn.Session{AccountID: 7}

		out := f.validator(t, authn.DefaultSettings()).ValidateLogin(ctx, "hpotter", "alohomora", in)
		assert.Equal(t, in, out)
		assert.Zero(t, f.servers["s1"].Connects())

		f.validator(t, exclusive()).ValidateLogin(ctx, "hpotter", "alohomora", in)
		assert.Equal(t, 1, f.servers["s1"].Connects())
	})

	t.Run("empty name or password is ignored", func(t *testing.T) {
		f := newFixture("s1")
		v := f.validator(t, exclusive())

		assert.Equal(t, authn.Session{}, v.ValidateLogin(ctx, "  ", "alohomora", authn.Session{}))
		assert.Equal(t, authn.Session{}, v.ValidateLogin(ctx, "hpotter", "", authn.Session{}))
		assert.Zero(t, f.servers["s1"].Connects())
	})

	t.Run("excluded local accounts skip the directory", func(t *testing.T) {
		f := newFixture("s1")
		f.accounts = authntest.NewAccounts(
			authn.Account{ID: 1, Name: "admin", Status: authn.StatusActive},
			authn.Account{ID: 2, Name: "filch", Status: authn.StatusActive, Link: authn.DirectoryLink{Excluded: true}},
		)
		addPerson(f.servers["s1"], "people", "admin", "", "alohomora")
		addPerson(f.servers["s1"], "people", "filch", "", "alohomora")
		v := f.validator(t, exclusive())

		assert.False(t, v.ValidateLogin(ctx, "admin", "alohomora", authn.Session{}).Authenticated())
		assert.False(t, v.ValidateLogin(ctx, "Filch", "alohomora", authn.Session{}).Authenticated())
		assert.Zero(t, f.servers["s1"].Connects())
	})

	t.Run("accounts awaiting approval are blocked", func(t *testing.T) {
		f := newFixture("s1")
		addPerson(f.servers["s1"], "people", "hpotter", "hpotter@hogwarts.edu", "alohomora")
		settings := authn.DefaultSettings()
		settings.Registration = authn.RegistrationAdminApproval

		session := f.validator(t, settings).ValidateLogin(ctx, "hpotter", "alohomora", authn.Session{})
		assert.False(t, session.Authenticated())
		assert.Equal(t, "The account hpotter has not been activated or is blocked.", session.Error)
		require.Equal(t, 1, f.accounts.Count())
	})
}

func TestProcessSsoLogin(t *testing.T) {
	ctx := context.Background()

	f := newFixture("s1")
	addPerson(f.servers["s1"], "people", "hpotter", "hpotter@hogwarts.edu", "")

	session, ok := f.validator(t, authn.DefaultSettings()).ProcessSsoLogin(ctx, "hpotter")
	require.True(t, ok)
	assert.Equal(t, "hpotter", f.accounts.Get(session.AccountID).Name)

	_, ok = f.validator(t, authn.DefaultSettings()).ProcessSsoLogin(ctx, "unknownuser")
	assert.False(t, ok)
}
