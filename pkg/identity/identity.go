// Package identity resolves who the local user is. Callers with a real
// account pass their own Identity; everyone else gets a generated anonymous
// identity that is cached on disk so it survives restarts.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Identity is the stable user identity attached to sessions. Distinct from
// the per-connection client id, which changes on every connect.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// Valid reports whether the identity can be attached to a session.
func (id Identity) Valid() bool {
	return id.ID != "" && id.DisplayName != ""
}

const cacheFile = "identity.json"

// cacheDir resolves the directory holding the anonymous identity cache.
var cacheDir = func() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "yep_collab"), nil
}

// Anonymous returns the cached anonymous identity, generating and persisting
// a fresh one on first use. A corrupt cache is regenerated, never fatal.
func Anonymous() (Identity, error) {
	dir, err := cacheDir()
	if err != nil {
		// No config dir available: still usable, just not stable.
		return generate(), nil
	}
	path := filepath.Join(dir, cacheFile)

	if data, err := os.ReadFile(path); err == nil {
		var id Identity
		if json.Unmarshal(data, &id) == nil && id.Valid() {
			return id, nil
		}
	}

	id := generate()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return id, nil
	}
	data, err := json.MarshalIndent(&id, "", "  ")
	if err != nil {
		return id, nil
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return id, nil
	}
	return id, nil
}

func generate() Identity {
	raw := uuid.NewString()
	short := strings.SplitN(raw, "-", 2)[0]
	return Identity{
		ID:          "anon-" + raw,
		DisplayName: fmt.Sprintf("Guest-%s", short),
	}
}
