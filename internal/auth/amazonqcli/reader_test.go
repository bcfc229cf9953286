package amazonqcli

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCLIDatabase(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.sqlite3")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE auth_kv (key TEXT PRIMARY KEY, value TEXT)`)
	require.NoError(t, err)
	for key, value := range entries {
		_, err = db.Exec(`INSERT INTO auth_kv (key, value) VALUES (?, ?)`, key, value)
		require.NoError(t, err)
	}
	return path
}

func TestReadCredentials(t *testing.T) {
	path := writeCLIDatabase(t, map[string]string{
		tokenKey:        `{"access_token":"at","refresh_token":"rt","expires_at":"2026-01-01T00:00:00Z","region":"us-east-1"}`,
		registrationKey: `{"client_id":"cid","client_secret":"cs","region":"us-east-1"}`,
	})

	r, err := NewReader(path)
	require.NoError(t, err)
	creds, err := r.ReadCredentials()
	require.NoError(t, err)

	assert.Equal(t, "rt", creds.RefreshToken)
	assert.Equal(t, "cid", creds.ClientID)
	assert.Equal(t, "cs", creds.ClientSecret)
	assert.Equal(t, "us-east-1", creds.Region)
}

func TestReadCredentialsMissingDatabase(t *testing.T) {
	r, err := NewReader(filepath.Join(t.TempDir(), "missing.sqlite3"))
	require.NoError(t, err)
	_, err = r.ReadCredentials()
	assert.ErrorContains(t, err, "not found")
}

func TestReadCredentialsMissingRegistration(t *testing.T) {
	path := writeCLIDatabase(t, map[string]string{
		tokenKey: `{"access_token":"at","refresh_token":"rt"}`,
	})
	r, err := NewReader(path)
	require.NoError(t, err)
	_, err = r.ReadCredentials()
	assert.ErrorContains(t, err, registrationKey)
}

func TestReadCredentialsNoRefreshToken(t *testing.T) {
	path := writeCLIDatabase(t, map[string]string{
		tokenKey:        `{"access_token":"at"}`,
		registrationKey: `{"client_id":"cid","client_secret":"cs"}`,
	})
	r, err := NewReader(path)
	require.NoError(t, err)
	_, err = r.ReadCredentials()
	assert.ErrorContains(t, err, "refresh token")
}
