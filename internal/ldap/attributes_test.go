package ldap_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ldapauth/internal/ldap"
)

func TestMail(t *testing.T) {
	entry := ldap.NewEntry("cn=hpotter,ou=people,dc=hogwarts,dc=edu", map[string][]string{
		"cn":   {"hpotter"},
		"mail": {" hpotter@hogwarts.edu "},
		"sn":   {"Potter"},
	})
	cfg := hogwarts()

	assert.Equal(t, "hpotter@hogwarts.edu", cfg.Mail(entry))

	cfg.MailTemplate = "[cn].[SN]@example.org"
	assert.Equal(t, "hpotter.Potter@example.org", cfg.Mail(entry))

	cfg.MailTemplate = "[missing]@example.org"
	assert.Equal(t, "@example.org", cfg.Mail(entry))
}

func TestAccountName(t *testing.T) {
	entry := ldap.NewEntry("cn=hpotter,ou=people,dc=hogwarts,dc=edu", map[string][]string{
		"cn":  {"hpotter"},
		"uid": {"harry.potter"},
	})
	cfg := hogwarts()
	assert.Equal(t, "hpotter", cfg.AccountName(entry))

	cfg.AccountNameAttr = "uid"
	assert.Equal(t, "harry.potter", cfg.AccountName(entry))

	cfg.AccountNameAttr = "displayName"
	assert.Empty(t, cfg.AccountName(entry))
}

func TestPUID(t *testing.T) {
	cfg := hogwarts()
	entry := ldap.NewEntry("cn=hpotter,ou=people,dc=hogwarts,dc=edu", map[string][]string{
		"uidNumber": {"1001"},
	})

	assert.Empty(t, cfg.PUID(entry), "no attribute configured")

	cfg.PUIDAttr = "uidNumber"
	assert.Equal(t, "1001", cfg.PUID(entry))

	guid := []byte{
		0x78, 0x56, 0x34, 0x12,
		0xbc, 0x9a,
		0xf0, 0xde,
		0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
	}
	entry.SetAttribute("objectGUID", string(guid))
	cfg.PUIDAttr = "objectGUID"
	cfg.PUIDBinary = true

	cfg.PUIDEncoding = ldap.PUIDHex
	assert.Equal(t, "78563412bc9af0de0123456789abcdef", cfg.PUID(entry))

	cfg.PUIDEncoding = ldap.PUIDGUID
	assert.Equal(t, "12345678-9abc-def0-0123-456789abcdef", cfg.PUID(entry))

	// S-1-5-21-1-2-3-500
	sid := []byte{
		0x01, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x05,
		0x15, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00,
		0xf4, 0x01, 0x00, 0x00,
	}
	entry.SetAttribute("objectSid", string(sid))
	cfg.PUIDAttr = "objectSid"
	cfg.PUIDEncoding = ldap.PUIDSID
	assert.Equal(t, "S-1-5-21-1-2-3-500", cfg.PUID(entry))
}

func TestFirstRDNValue(t *testing.T) {
	assert.Equal(t, "hpotter", ldap.FirstRDNValue("cn=hpotter,ou=people,dc=hogwarts,dc=edu"))
	assert.Equal(t, "Potter, Harry", ldap.FirstRDNValue(`cn=Potter\, Harry,ou=people,dc=hogwarts,dc=edu`))
	assert.Empty(t, ldap.FirstRDNValue("not a dn"))
}

func TestStaticRegistry(t *testing.T) {
	ctx := context.Background()
	reg, err := ldap.NewStaticRegistry(
		&ldap.ServerConfig{ID: "c", Weight: 5, Enabled: true, Authentication: true},
		&ldap.ServerConfig{ID: "b", Weight: 1, Enabled: true, Authentication: true},
		&ldap.ServerConfig{ID: "a", Weight: 5, Enabled: true, Authentication: true},
		&ldap.ServerConfig{ID: "off", Weight: 0, Enabled: false, Authentication: true},
		&ldap.ServerConfig{ID: "sync-only", Weight: 0, Enabled: true},
	)
	require.NoError(t, err)

	servers, err := reg.ListEnabledForAuthentication(ctx)
	require.NoError(t, err)
	var ids []string
	for _, s := range servers {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids)

	s, err := reg.Load(ctx, "off")
	require.NoError(t, err)
	assert.False(t, s.Enabled)

	_, err = reg.Load(ctx, "missing")
	assert.ErrorIs(t, err, ldap.ErrServerNotFound)

	_, err = ldap.NewStaticRegistry(&ldap.ServerConfig{ID: "a"}, &ldap.ServerConfig{ID: "a"})
	assert.Error(t, err)
}
