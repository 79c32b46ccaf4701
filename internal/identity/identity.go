// Package identity manages the node's durable cryptographic identity.
//
// A node is named by a libp2p peer ID derived from its Ed25519 verifying key.
// The 32-byte secret seed is persisted as JSON in the platform config directory
// and reloaded on every start, so the peer ID is stable across restarts.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("dsn-identity")

// Errors
var (
	// ErrIoFailure reports that the identity file could not be created, read or written.
	ErrIoFailure = errors.New("identity i/o failure")
	// ErrSerializationFailure reports malformed persisted identity data.
	ErrSerializationFailure = errors.New("identity serialization failure")
	// ErrKeyConversionFailure reports key bytes that do not form a valid key pair.
	ErrKeyConversionFailure = errors.New("identity key conversion failure")
)

const (
	// SecretKeyLength is the length of the persisted signing key (the Ed25519 seed).
	SecretKeyLength = ed25519.SeedSize
	// PublicKeyLength is the length of the verifying key.
	PublicKeyLength = ed25519.PublicKeySize
)

// NodeIdentity is the node's signing key pair and the peer ID derived from it.
// It is immutable once constructed.
type NodeIdentity struct {
	signingKey   ed25519.PrivateKey
	verifyingKey ed25519.PublicKey
	id           peer.ID
}

// FromSeed builds an identity from the 32 secret key bytes.
func FromSeed(seed []byte) (*NodeIdentity, error) {
	if len(seed) != SecretKeyLength {
		return nil, fmt.Errorf("%w: secret key must be %d bytes, got %d", ErrKeyConversionFailure, SecretKeyLength, len(seed))
	}

	signingKey := ed25519.NewKeyFromSeed(seed)
	verifyingKey := signingKey.Public().(ed25519.PublicKey)

	id, err := Derive(verifyingKey)
	if err != nil {
		return nil, err
	}

	return &NodeIdentity{
		signingKey:   signingKey,
		verifyingKey: verifyingKey,
		id:           id,
	}, nil
}

// Generate creates a fresh identity from the system's secure random source.
func Generate() (*NodeIdentity, error) {
	seed := make([]byte, SecretKeyLength)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("%w: read random seed: %w", ErrKeyConversionFailure, err)
	}
	return FromSeed(seed)
}

// GenerateEphemeral creates an identity that is never written to disk.
// It is meant for disposable and test nodes.
func GenerateEphemeral() (*NodeIdentity, error) {
	log.Warn("Generating ephemeral (in-memory) identity, not persisted to disk")
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	log.Infof("Created ephemeral node identity: %s", id.PeerID())
	return id, nil
}

// Derive computes the peer ID for an Ed25519 verifying key.
// It is a pure function of the key bytes.
func Derive(verifyingKey ed25519.PublicKey) (peer.ID, error) {
	pub, err := crypto.UnmarshalEd25519PublicKey(verifyingKey)
	if err != nil {
		return "", fmt.Errorf("%w: verifying key: %w", ErrKeyConversionFailure, err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: derive peer ID: %w", ErrKeyConversionFailure, err)
	}
	return id, nil
}

// PeerID returns the derived node identifier.
func (n *NodeIdentity) PeerID() peer.ID {
	return n.id
}

// Seed returns a copy of the 32 secret key bytes.
func (n *NodeIdentity) Seed() []byte {
	return bytes.Clone(n.signingKey.Seed())
}

// VerifyingKey returns a copy of the public key.
func (n *NodeIdentity) VerifyingKey() ed25519.PublicKey {
	return bytes.Clone(n.verifyingKey)
}

// PublicKeyBytes returns the raw verifying key bytes.
func (n *NodeIdentity) PublicKeyBytes() []byte {
	return bytes.Clone(n.verifyingKey)
}

// Sign signs msg with the node's signing key.
func (n *NodeIdentity) Sign(msg []byte) []byte {
	return ed25519.Sign(n.signingKey, msg)
}

// TransportKey converts the signing key into the libp2p representation used by
// the transport stack. The conversion is checked against the derived peer ID.
func (n *NodeIdentity) TransportKey() (crypto.PrivKey, error) {
	priv, err := crypto.UnmarshalEd25519PrivateKey(n.signingKey)
	if err != nil {
		return nil, fmt.Errorf("%w: signing key: %w", ErrKeyConversionFailure, err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: derive peer ID: %w", ErrKeyConversionFailure, err)
	}
	if id != n.id {
		return nil, fmt.Errorf("%w: transport key does not match peer ID %s", ErrKeyConversionFailure, n.id)
	}
	return priv, nil
}

// Equal reports whether two identities hold the same key pair and peer ID.
func (n *NodeIdentity) Equal(other *NodeIdentity) bool {
	if n == nil || other == nil {
		return n == other
	}
	return n.id == other.id &&
		bytes.Equal(n.signingKey, other.signingKey) &&
		bytes.Equal(n.verifyingKey, other.verifyingKey)
}
