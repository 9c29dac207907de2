package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAll(t *testing.T) {
	files, err := All()
	require.NoError(t, err)
	require.Len(t, files, 3)

	assert.Equal(t, "001_accounts.sql", files[0].Name)
	assert.Equal(t, "002_authmap.sql", files[1].Name)
	assert.Equal(t, "003_ldap_servers.sql", files[2].Name)
	for _, f := range files {
		assert.Contains(t, f.Content, "CREATE TABLE IF NOT EXISTS", f.Name)
	}
}
