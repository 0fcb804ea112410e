package datachannel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/livekit"
)

type fakeSender struct {
	reliableSends int
	lossySends    int
}

func (f *fakeSender) SendData(payload []byte, reliable bool) error {
	if reliable {
		f.reliableSends++
	} else {
		f.lossySends++
	}
	return nil
}

type fakeListener struct {
	userPackets      []string
	streamStarted    []string
	streamCompleted  map[string][]byte
	streamMismatched []string
}

func newFakeListener() *fakeListener {
	return &fakeListener{streamCompleted: make(map[string][]byte)}
}

func (f *fakeListener) OnUserPacket(sourceIdentity string, payload []byte, topic string, destinations []string) {
	f.userPackets = append(f.userPackets, sourceIdentity)
}
func (f *fakeListener) OnActiveSpeakersUpdate(speakers []*livekit.SpeakerInfo) {}
func (f *fakeListener) OnTranscription(t *livekit.Transcription)              {}
func (f *fakeListener) OnChatMessage(sourceIdentity string, msg *livekit.ChatMessage) {}
func (f *fakeListener) OnRpcRequest(req *livekit.RpcRequest)                  {}
func (f *fakeListener) OnRpcAck(ack *livekit.RpcAck)                          {}
func (f *fakeListener) OnRpcResponse(resp *livekit.RpcResponse)               {}
func (f *fakeListener) OnMetrics(m *livekit.MetricsBatch)                     {}
func (f *fakeListener) OnStreamStarted(streamID string, header *livekit.DataStream_Header) {
	f.streamStarted = append(f.streamStarted, streamID)
}
func (f *fakeListener) OnStreamCompleted(streamID string, payload []byte) {
	f.streamCompleted[streamID] = payload
}
func (f *fakeListener) OnStreamLengthMismatch(streamID string) {
	f.streamMismatched = append(f.streamMismatched, streamID)
}

// TestReliableVsLossyRouting verifies invariant 3 from spec.md §8.
func TestReliableVsLossyRouting(t *testing.T) {
	sender := &fakeSender{}
	router := NewRouter(sender, newFakeListener(), nil)
	router.SetLocalIdentity("alice")

	require.NoError(t, router.SendUserPacket([]byte("hi"), "", nil, true))
	require.NoError(t, router.SendUserPacket([]byte("hi"), "", nil, false))

	assert.Equal(t, 1, sender.reliableSends)
	assert.Equal(t, 1, sender.lossySends)
}

func TestSendUserPacketRejectsEmptyIdentity(t *testing.T) {
	router := NewRouter(&fakeSender{}, newFakeListener(), nil)
	err := router.SendUserPacket([]byte("hi"), "", nil, true)
	assert.ErrorIs(t, err, ErrEmptyParticipantIdentity)
}

// TestStreamAssemblyScenario mirrors S5 from spec.md §8.
func TestStreamAssemblyScenario(t *testing.T) {
	listener := newFakeListener()
	assembler := newStreamAssembler()

	total := uint64(10)
	assembler.onHeader(&livekit.DataStream_Header{StreamId: "s1", TotalLength: &total}, listener)
	assembler.onChunk(&livekit.DataStream_Chunk{StreamId: "s1", ChunkIndex: 0, Content: []byte("hello")}, listener)
	assembler.onChunk(&livekit.DataStream_Chunk{StreamId: "s1", ChunkIndex: 1, Content: []byte("world")}, listener)
	assembler.onTrailer(&livekit.DataStream_Trailer{StreamId: "s1"}, listener)

	assert.Equal(t, []string{"s1"}, listener.streamStarted)
	assert.Equal(t, "helloworld", string(listener.streamCompleted["s1"]))
	assert.Empty(t, listener.streamMismatched)
}

func TestStreamTrailerLengthMismatch(t *testing.T) {
	listener := newFakeListener()
	assembler := newStreamAssembler()

	total := uint64(100)
	assembler.onHeader(&livekit.DataStream_Header{StreamId: "s1", TotalLength: &total}, listener)
	assembler.onChunk(&livekit.DataStream_Chunk{StreamId: "s1", ChunkIndex: 0, Content: []byte("short")}, listener)
	assembler.onTrailer(&livekit.DataStream_Trailer{StreamId: "s1"}, listener)

	assert.Equal(t, []string{"s1"}, listener.streamMismatched)
	assert.Empty(t, listener.streamCompleted)
}

func TestStreamTrailerWithoutHeaderIsIgnored(t *testing.T) {
	listener := newFakeListener()
	assembler := newStreamAssembler()
	assembler.onTrailer(&livekit.DataStream_Trailer{StreamId: "ghost"}, listener)
	assert.Empty(t, listener.streamCompleted)
	assert.Empty(t, listener.streamMismatched)
}
