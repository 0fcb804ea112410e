package rtc

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"
)

func newTestTransport(t *testing.T, target livekit.SignalTarget) *PCTransport {
	t.Helper()
	tr, err := NewPCTransport(TransportParams{
		Target:        target,
		Configuration: webrtc.Configuration{},
		DirectionConf: DefaultDirectionConfig(),
		Logger:        logger.GetLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// TestAddICECandidateBuffersUntilRemoteDescriptionSet exercises the
// pendingCandidates deque: a candidate arriving before any remote
// description is buffered, not applied, and is flushed once one is set.
func TestAddICECandidateBuffersUntilRemoteDescriptionSet(t *testing.T) {
	offerer := newTestTransport(t, livekit.SignalTarget_PUBLISHER)
	answerer := newTestTransport(t, livekit.SignalTarget_SUBSCRIBER)

	_, err := offerer.PeerConnection().CreateDataChannel("_reliable", nil)
	require.NoError(t, err)

	offer, err := offerer.PeerConnection().CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, offerer.PeerConnection().SetLocalDescription(offer))

	// A candidate with no remote description yet must be buffered rather
	// than handed to pion, which would otherwise error out.
	err = answerer.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"})
	require.NoError(t, err)
	assert.Equal(t, 1, answerer.pendingCandidates.Len())

	require.NoError(t, answerer.SetRemoteDescription(offer))

	// SetRemoteDescription must have drained the buffer.
	assert.Equal(t, 0, answerer.pendingCandidates.Len())
}

// TestExtractICECredentialFromRealOffer grounds the SDP parsing helper
// against an offer pion itself generated, rather than a hand-built string.
func TestExtractICECredentialFromRealOffer(t *testing.T) {
	tr := newTestTransport(t, livekit.SignalTarget_PUBLISHER)
	_, err := tr.PeerConnection().CreateDataChannel("_reliable", nil)
	require.NoError(t, err)

	offer, err := tr.PeerConnection().CreateOffer(nil)
	require.NoError(t, err)

	parsed, err := offer.Unmarshal()
	require.NoError(t, err)

	ufrag, pwd, err := extractICECredential(parsed)
	require.NoError(t, err)
	assert.NotEmpty(t, ufrag)
	assert.NotEmpty(t, pwd)
}

// TestNegotiateDebouncesRapidCalls checks that several Negotiate(false)
// calls made in quick succession produce exactly one offer callback.
func TestNegotiateDebouncesRapidCalls(t *testing.T) {
	tr := newTestTransport(t, livekit.SignalTarget_PUBLISHER)
	_, err := tr.PeerConnection().CreateDataChannel("_reliable", nil)
	require.NoError(t, err)

	offers := make(chan webrtc.SessionDescription, 8)
	tr.OnOffer(func(sd webrtc.SessionDescription) { offers <- sd })

	for i := 0; i < 5; i++ {
		tr.Negotiate(false)
	}

	select {
	case <-offers:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for debounced offer")
	}

	select {
	case <-offers:
		t.Fatal("received a second offer from coalesced Negotiate calls")
	case <-time.After(negotiationFrequency + 150*time.Millisecond):
	}
}

// TestNegotiateForceBypassesDebounce checks that a forced negotiate fires
// immediately rather than waiting out the debounce window.
func TestNegotiateForceBypassesDebounce(t *testing.T) {
	tr := newTestTransport(t, livekit.SignalTarget_PUBLISHER)
	_, err := tr.PeerConnection().CreateDataChannel("_reliable", nil)
	require.NoError(t, err)

	offers := make(chan webrtc.SessionDescription, 1)
	tr.OnOffer(func(sd webrtc.SessionDescription) { offers <- sd })

	tr.Negotiate(true)

	select {
	case <-offers:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("forced negotiate did not fire immediately")
	}
}
