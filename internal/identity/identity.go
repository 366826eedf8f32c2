// Package identity loads or creates the long-lived peer key a networking
// engine derives its peer ID from.
package identity

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Load resolves a private key in the order spec'd: inline bytes first (if
// non-empty and valid), then the file at path (if non-empty), then a freshly
// generated key. When a path is given and no usable key exists yet, the new
// key is persisted there so the peer ID is stable across restarts; when path
// is empty the key is returned without being written anywhere (ephemeral).
func Load(inline []byte, path string) (crypto.PrivKey, error) {
	if len(inline) > 0 {
		priv, err := crypto.UnmarshalPrivateKey(inline)
		if err == nil {
			return priv, nil
		}
	}

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			priv, err := crypto.UnmarshalPrivateKey(data)
			if err != nil {
				return nil, fmt.Errorf("identity: failed to unmarshal key from %s: %w", path, err)
			}
			return priv, nil
		}
	}

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to generate keypair: %w", err)
	}

	if path == "" {
		return priv, nil
	}

	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to marshal private key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("identity: failed to create key directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("identity: failed to save key to %s: %w", path, err)
	}
	return priv, nil
}

// PeerID derives the stable peer identifier from a loaded key.
func PeerID(priv crypto.PrivKey) (peer.ID, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("identity: failed to derive peer ID: %w", err)
	}
	return id, nil
}
