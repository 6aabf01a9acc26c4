// Package credential manages provider account pools: least-used selection
// with round-robin tie breaking, per-credential pacing, and temporary
// rate-limit bans.
package credential

import (
	"path/filepath"

	"github.com/mixaill76/free_llm_dispatch/internal/security"
)

// Credential identifies one provider account. Exactly one of Key or
// ServiceAccountFile is set. Display is safe for logs and events.
type Credential struct {
	Key                string
	ServiceAccountFile string
	Display            string
}

// ID returns the identity used to match a credential inside its pool.
func (c Credential) ID() string {
	if c.Key != "" {
		return c.Key
	}
	return c.ServiceAccountFile
}

// IsZero reports whether the credential is empty.
func (c Credential) IsZero() bool {
	return c.Key == "" && c.ServiceAccountFile == ""
}

// FromKeys builds API key credentials. Display names keep only the key
// tail: Google keys share a common prefix, so prefix masking would make
// them indistinguishable in logs.
func FromKeys(keys []string) []Credential {
	creds := make([]Credential, 0, len(keys))
	for _, key := range keys {
		creds = append(creds, Credential{
			Key:     key,
			Display: security.MaskKeyTail(key),
		})
	}
	return creds
}

// FromServiceAccounts builds service account credentials. The file base
// name is already non-secret, so it doubles as the display name.
func FromServiceAccounts(files []string) []Credential {
	creds := make([]Credential, 0, len(files))
	for _, file := range files {
		creds = append(creds, Credential{
			ServiceAccountFile: file,
			Display:            filepath.Base(file),
		})
	}
	return creds
}
