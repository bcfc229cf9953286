// Package amazonqcli imports SSO credentials from a local Amazon Q CLI
// installation. The CLI keeps its OAuth state in a SQLite key-value table
// at ~/.local/share/amazon-q/data.sqlite3; reading it lets an operator
// enroll an account without copying tokens by hand.
package amazonqcli

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	tokenKey        = "codewhisperer:odic:token"
	registrationKey = "codewhisperer:odic:device-registration"
)

type cliToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
	Region       string `json:"region"`
}

type cliRegistration struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Region       string `json:"region"`
}

// Credentials is the credential set assembled from the CLI database,
// ready to enroll as an account.
type Credentials struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	Region       string
}

// DefaultDatabasePath returns where the CLI keeps its database.
func DefaultDatabasePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "amazon-q", "data.sqlite3"), nil
}

// Reader pulls credentials out of one CLI database file.
type Reader struct {
	dbPath string
}

// NewReader opens a reader for the given database path, or the default
// location when empty.
func NewReader(dbPath string) (*Reader, error) {
	if dbPath == "" {
		var err error
		dbPath, err = DefaultDatabasePath()
		if err != nil {
			return nil, err
		}
	}
	return &Reader{dbPath: dbPath}, nil
}

// ReadCredentials loads the refresh token and device registration. Both
// must be present; an access token alone cannot survive its first expiry.
func (r *Reader) ReadCredentials() (*Credentials, error) {
	if _, err := os.Stat(r.dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("amazon q cli database not found at %s (run 'q login' first)", r.dbPath)
	}

	dsn := r.dbPath + "?mode=ro&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", r.dbPath, err)
	}
	defer db.Close()

	var token cliToken
	if err := r.readKey(db, tokenKey, &token); err != nil {
		return nil, err
	}
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("cli token has no refresh token (run 'q login' again)")
	}

	var reg cliRegistration
	if err := r.readKey(db, registrationKey, &reg); err != nil {
		return nil, err
	}
	if reg.ClientID == "" || reg.ClientSecret == "" {
		return nil, fmt.Errorf("cli device registration is incomplete")
	}

	region := token.Region
	if region == "" {
		region = reg.Region
	}
	return &Credentials{
		RefreshToken: token.RefreshToken,
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		Region:       region,
	}, nil
}

func (r *Reader) readKey(db *sql.DB, key string, out any) error {
	var valueJSON string
	err := db.QueryRow("SELECT value FROM auth_kv WHERE key = ?", key).Scan(&valueJSON)
	if err == sql.ErrNoRows {
		return fmt.Errorf("key %q not found in %s", key, r.dbPath)
	}
	if err != nil {
		return fmt.Errorf("reading %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(valueJSON), out); err != nil {
		return fmt.Errorf("parsing %q: %w", key, err)
	}
	return nil
}
