// Package commentary models the premium-commentary domain: site credentials,
// per-account standing, and the parsing of fetched commentary pages.
package commentary

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Credential is one site login. The list is loaded once at startup and never
// changes during a run.
type Credential struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AccountStatus tracks the ban standing of a single credential.
type AccountStatus struct {
	Banned      bool      `json:"banned"`
	BannedUntil time.Time `json:"banned_until"`
	BanCount    int       `json:"ban_count"`
}

// Selectable reports whether the account may be handed out at the given time.
// An expired ban counts as selectable; callers clear the flag.
func (s AccountStatus) Selectable(now time.Time) bool {
	return !s.Banned || !now.Before(s.BannedUntil)
}

// Commentary is one successfully fetched unit of content, before extraction.
type Commentary struct {
	ResourceID int64
	Title      string
	Body       string
}

// LoadCredentials reads the static credential list. A missing file or an
// empty list is an error; both are fatal at process start.
func LoadCredentials(path string) ([]Credential, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", path, err)
	}
	var creds []Credential
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("credentials %s: no accounts configured", path)
	}
	for i, c := range creds {
		if c.Email == "" || c.Password == "" {
			return nil, fmt.Errorf("credentials %s: entry %d is missing email or password", path, i)
		}
	}
	return creds, nil
}
