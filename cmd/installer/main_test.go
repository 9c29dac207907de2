package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWizardAndInstall(t *testing.T) {
	dir := t.TempDir()
	answers := strings.Join([]string{
		dir,                  // install dir
		"",                   // user
		"",                   // group
		"",                   // database
		"localhost:6379",     // redis
		"",                   // redis password
		"",                   // definitions
		"database",           // server source
		"",                   // secrets key
		"9090",               // port
		"",                   // jwt secret
		"kerberos",           // sso
		"/etc/http.keytab",   // keytab
		"HTTP/login@EXAMPLE", // service
		"",                   // cors
	}, "\n") + "\n"

	cfg := runWizard(strings.NewReader(answers), io.Discard)
	assert.Equal(t, dir, cfg.InstallDir)
	assert.Equal(t, "ldapauth", cfg.User)
	assert.Equal(t, "ldapauth", cfg.Group)
	assert.Equal(t, filepath.Join(dir, "ldapauth.yaml"), cfg.Env["LDAPAUTH_DEFINITIONS"])
	assert.Len(t, cfg.Env["JWT_SECRET"], 64)
	assert.Len(t, cfg.Env["LDAPAUTH_SECRETS_KEY"], 64)
	assert.Equal(t, "/etc/http.keytab", cfg.Env["KERBEROS_KEYTAB"])

	require.NoError(t, install(cfg, dir, io.Discard))

	env, err := godotenv.Read(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "9090", env["APP_PORT"])
	assert.Equal(t, "kerberos", env["SSO_MODE"])
	assert.NotContains(t, env, "REDIS_PASSWORD")

	unit, err := os.ReadFile(filepath.Join(dir, serviceFile))
	require.NoError(t, err)
	assert.Contains(t, string(unit), "ExecStart="+dir+"/server")
	assert.Contains(t, string(unit), "User=ldapauth")
}
