package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dissonance-chat/dissonance/internal/config"
)

// persistedIdentity is the JSON form written to the identity file.
type persistedIdentity struct {
	PrivateKeyBytes keyBytes `json:"private_key_bytes"`
}

// keyBytes encodes as a JSON array of numbers rather than base64.
type keyBytes []byte

// MarshalJSON implements json.Marshaler.
func (k keyBytes) MarshalJSON() ([]byte, error) {
	nums := make([]int, len(k))
	for i, b := range k {
		nums[i] = int(b)
	}
	return json.Marshal(nums)
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *keyBytes) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("byte %d out of range: %d", i, n)
		}
		out[i] = byte(n)
	}
	*k = out
	return nil
}

// DefaultPath returns the well-known identity file location,
// <user config dir>/dsn-chat/node-identity.json.
func DefaultPath() (string, error) {
	dir, err := config.Dir()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIoFailure, err)
	}
	return filepath.Join(dir, config.IdentityFileName), nil
}

// Manager owns the identity file and loads or creates the node identity.
type Manager struct {
	path string
}

// NewManager creates a manager for the identity file at path.
// An empty path selects DefaultPath.
func NewManager(path string) (*Manager, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return &Manager{path: path}, nil
}

// Path returns the identity file path.
func (m *Manager) Path() string {
	return m.path
}

// GetIdentity loads the persisted identity, or generates and persists a new
// one when no identity file exists. A malformed file is an error; it is never
// silently replaced.
func (m *Manager) GetIdentity() (*NodeIdentity, error) {
	_, err := os.Stat(m.path)
	switch {
	case err == nil:
		log.Infof("Loading existing identity from %s", m.path)
		return Load(m.path)
	case os.IsNotExist(err):
		log.Info("Generating new identity")
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := Save(id, m.path); err != nil {
			return nil, err
		}
		log.Infof("Generated new identity %s and stored at %s", id.PeerID(), m.path)
		return id, nil
	default:
		return nil, fmt.Errorf("%w: stat identity file %s: %w", ErrIoFailure, m.path, err)
	}
}

// Save writes the identity's secret key to path, creating parent directories.
func Save(id *NodeIdentity, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: create identity directory: %w", ErrIoFailure, err)
	}

	stored := persistedIdentity{PrivateKeyBytes: id.Seed()}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal identity: %w", ErrSerializationFailure, err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("%w: write identity file: %w", ErrIoFailure, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: rename identity file: %w", ErrIoFailure, err)
	}

	log.Debugf("Node identity saved to %s", path)
	return nil
}

// Load reads an identity previously written by Save.
func Load(path string) (*NodeIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read identity file: %w", ErrIoFailure, err)
	}

	var stored persistedIdentity
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: parse identity file %s: %w", ErrSerializationFailure, path, err)
	}
	if len(stored.PrivateKeyBytes) != SecretKeyLength {
		return nil, fmt.Errorf("%w: private_key_bytes must hold %d bytes, got %d",
			ErrSerializationFailure, SecretKeyLength, len(stored.PrivateKeyBytes))
	}

	id, err := FromSeed(stored.PrivateKeyBytes)
	if err != nil {
		return nil, err
	}
	log.Infof("Loaded node identity: %s", id.PeerID())
	return id, nil
}
