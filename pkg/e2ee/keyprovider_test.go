package e2ee

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livekit-session/core/pkg/config"
)

func testOpts() config.KeyProviderOptions {
	opts := config.DefaultKeyProviderOptions()
	opts.SharedKey = true
	opts.RatchetSalt = []byte("salt")
	return opts
}

// TestRatchetMonotonicity verifies invariant 5 from spec.md §8: after n
// successful ratchets, export_shared_key equals n iterations of HKDF from
// the original key.
func TestRatchetMonotonicity(t *testing.T) {
	kp, err := NewKeyProvider(testOpts())
	require.NoError(t, err)

	original := []byte("0123456789abcdef")
	require.NoError(t, kp.SetSharedKey(original, 0))

	want := original
	index := 0
	const n = 5
	for i := 0; i < n; i++ {
		got, err := kp.RatchetSharedKey(index)
		require.NoError(t, err)
		want, err = hkdfDerive(want, []byte("salt"), len(want))
		require.NoError(t, err)
		assert.Equal(t, want, got)
		index = (index + 1) % 16
	}

	exported, err := kp.ExportSharedKey(index)
	require.NoError(t, err)
	assert.Equal(t, want, exported)
}

func TestSIFTrailerDetection(t *testing.T) {
	kp, err := NewKeyProvider(testOpts())
	require.NoError(t, err)

	kp.SetSIFTrailer([]byte("LKSIF"))
	assert.True(t, kp.IsServerInjectedFrame([]byte("hello LKSIF")))
	assert.False(t, kp.IsServerInjectedFrame([]byte("hello world")))
}

func TestRatchetUnsetKeyFails(t *testing.T) {
	kp, err := NewKeyProvider(testOpts())
	require.NoError(t, err)
	_, err = kp.RatchetSharedKey(1)
	assert.Error(t, err)
}

func TestPerParticipantKeyRingIsolated(t *testing.T) {
	kp, err := NewKeyProvider(testOpts())
	require.NoError(t, err)

	require.NoError(t, kp.SetKey("alice", []byte("key-a"), 0))
	require.NoError(t, kp.SetKey("bob", []byte("key-b"), 0))

	a, err := kp.ExportKey("alice", 0)
	require.NoError(t, err)
	b, err := kp.ExportKey("bob", 0)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = kp.ExportKey("carol", 0)
	assert.ErrorIs(t, err, ErrUnknownParticipant)
}
