package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/livekit/protocol/livekit"
)

func TestTrickleCandidateRoundTrip(t *testing.T) {
	// S4 — concrete scenario from spec.md §8.
	blob, err := EncodeTrickleCandidate(
		"candidate:1 1 udp 2113929471 192.168.1.1 54400 typ host",
		"0", 0, nil,
	)
	require.NoError(t, err)
	assert.Equal(
		t,
		`{"candidate":"candidate:1 1 udp 2113929471 192.168.1.1 54400 typ host","sdpMid":"0","sdpMLineIndex":0,"usernameFragment":null}`,
		blob,
	)

	decoded, err := DecodeTrickleCandidate(blob)
	require.NoError(t, err)
	assert.Equal(t, "candidate:1 1 udp 2113929471 192.168.1.1 54400 typ host", decoded.Candidate)
	assert.Equal(t, "0", decoded.SDPMid)
	assert.Equal(t, 0, decoded.SDPMLineIndex)
	assert.Nil(t, decoded.UsernameFragment)
}

func TestTrickleCandidateTolerantOfMissingUsernameFragment(t *testing.T) {
	decoded, err := DecodeTrickleCandidate(`{"candidate":"c","sdpMid":"0","sdpMLineIndex":1}`)
	require.NoError(t, err)
	assert.Nil(t, decoded.UsernameFragment)
}

func TestEncodeDecodeResponseRoundTrip(t *testing.T) {
	resp := &livekit.SignalResponse{
		Message: &livekit.SignalResponse_Pong{Pong: 12345},
	}
	b, err := EncodeDataPacket(&livekit.DataPacket{}) // sanity: encoder never panics on empty message
	require.NoError(t, err)
	assert.NotNil(t, b)

	raw, err := proto.Marshal(resp)
	require.NoError(t, err)
	decoded, err := DecodeResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), decoded.GetPong())
}

func TestDecodeResponseParseError(t *testing.T) {
	_, err := DecodeResponse([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "SignalResponse", pe.Schema)
}

func TestEnumMappingUnknownSentinel(t *testing.T) {
	assert.Equal(t, TrackTypeUnknown, TrackTypeFromProto(livekit.TrackType(999)))
	assert.Equal(t, TrackSourceUnknown, TrackSourceFromProto(livekit.TrackSource(999)))
	assert.Equal(t, ConnectionQualityLost, ConnectionQualityFromProto(livekit.ConnectionQuality(999)))
}

func TestEnumMappingRoundTrip(t *testing.T) {
	for _, tt := range []TrackType{TrackTypeAudio, TrackTypeVideo, TrackTypeData} {
		assert.Equal(t, tt, TrackTypeFromProto(tt.ToProto()))
	}
	for _, ts := range []TrackSource{TrackSourceCamera, TrackSourceMicrophone, TrackSourceScreenShare, TrackSourceScreenShareAudio} {
		assert.Equal(t, ts, TrackSourceFromProto(ts.ToProto()))
	}
}
