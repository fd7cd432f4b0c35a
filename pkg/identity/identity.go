package identity

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

const identityFileName = "identity.key"

// Identity is the keypair a node authenticates with and the PeerId derived from it.
// It is created once at startup and never mutated.
type Identity struct {
	priv crypto.PrivKey
	id   peer.ID
}

// Generate creates a fresh Ed25519 identity.
func Generate() (*Identity, error) {
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return FromPrivateKey(priv)
}

// FromPrivateKey wraps an existing private key.
func FromPrivateKey(priv crypto.PrivKey) (*Identity, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer id: %w", err)
	}
	return &Identity{priv: priv, id: id}, nil
}

// PeerID returns the identifier derived from the public key.
func (i *Identity) PeerID() peer.ID { return i.id }

// PrivateKey returns the signing key. It never leaves the process.
func (i *Identity) PrivateKey() crypto.PrivKey { return i.priv }

// PublicKey returns the public half of the keypair.
func (i *Identity) PublicKey() crypto.PubKey { return i.priv.GetPublic() }

// Save writes the private key to dir.
func Save(i *Identity, dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	keyBytes, err := crypto.MarshalPrivateKey(i.priv)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, identityFileName), keyBytes, 0600)
}

// Load reads the private key from dir.
// If the key doesn't exist, it generates a new one and saves it.
// An empty dir yields an ephemeral identity that is never written to disk.
func Load(dir string) (*Identity, error) {
	if dir == "" {
		return Generate()
	}

	keyBytes, err := os.ReadFile(filepath.Join(dir, identityFileName))
	if err != nil {
		if os.IsNotExist(err) {
			id, err := Generate()
			if err != nil {
				return nil, err
			}
			if err := Save(id, dir); err != nil {
				return nil, err
			}
			return id, nil
		}
		return nil, err
	}

	priv, err := crypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to decode identity key: %w", err)
	}
	return FromPrivateKey(priv)
}
