package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

// newTestDir creates a temporary directory for testing and returns its path.
func newTestDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "gossipnet-identity-")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, os.RemoveAll(dir)) })
	return dir
}

func TestGenerate(t *testing.T) {
	id1, err := Generate()
	require.NoError(t, err)
	id2, err := Generate()
	require.NoError(t, err)

	require.NotEqual(t, id1.PeerID(), id2.PeerID(), "fresh identities should not collide")

	derived, err := peer.IDFromPublicKey(id1.PublicKey())
	require.NoError(t, err)
	require.Equal(t, id1.PeerID(), derived, "peer id should be derived from the public key")
}

func TestSaveLoadIdentity(t *testing.T) {
	dir := newTestDir(t)

	// 1. Test key generation when none exists
	first, err := Load(dir)
	require.NoError(t, err)
	require.NotNil(t, first)

	info, err := os.Stat(filepath.Join(dir, identityFileName))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// 2. Test loading the same key
	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, first.PeerID(), loaded.PeerID(), "loaded identity should match the saved one")
	require.True(t, first.PrivateKey().Equals(loaded.PrivateKey()))
}

func TestLoadEphemeral(t *testing.T) {
	id1, err := Load("")
	require.NoError(t, err)
	id2, err := Load("")
	require.NoError(t, err)
	require.NotEqual(t, id1.PeerID(), id2.PeerID())
}

func TestLoadCorruptKey(t *testing.T) {
	dir := newTestDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, identityFileName), []byte("garbage"), 0600))

	_, err := Load(dir)
	require.Error(t, err)
}
