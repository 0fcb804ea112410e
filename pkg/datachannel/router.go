package datachannel

import (
	"errors"
	"sync"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit-session/core/pkg/wire"
)

// ErrEmptyParticipantIdentity is returned synchronously (§7 taxonomy item 5)
// when an outbound packet has no local participant identity set.
var ErrEmptyParticipantIdentity = errors.New("datachannel: participant identity must not be empty")

// Sender abstracts the two outbound data channels the Transport Manager
// owns, so this package never imports pkg/rtc (pkg/wire -> pkg/datachannel
// is the intended dependency direction per SPEC_FULL.md §2).
type Sender interface {
	SendData(payload []byte, reliable bool) error
}

// Listener receives demultiplexed inbound events (§4.6 inbound table).
type Listener interface {
	OnUserPacket(sourceIdentity string, payload []byte, topic string, destinationIdentities []string)
	OnActiveSpeakersUpdate(speakers []*livekit.SpeakerInfo)
	OnTranscription(t *livekit.Transcription)
	OnChatMessage(sourceIdentity string, msg *livekit.ChatMessage)
	OnRpcRequest(req *livekit.RpcRequest)
	OnRpcAck(ack *livekit.RpcAck)
	OnRpcResponse(resp *livekit.RpcResponse)
	OnMetrics(m *livekit.MetricsBatch)
	OnStreamStarted(streamID string, header *livekit.DataStream_Header)
	OnStreamCompleted(streamID string, payload []byte)
	OnStreamLengthMismatch(streamID string)
}

// Router serializes outbound DataPackets onto the correct channel and
// demultiplexes inbound bytes into typed events (§4.6).
type Router struct {
	localIdentity string
	sender        Sender
	logger        logger.Logger
	streams       *streamAssembler

	mu       sync.RWMutex
	listener Listener
}

func NewRouter(sender Sender, listener Listener, log logger.Logger) *Router {
	return &Router{
		sender:   sender,
		listener: listener,
		logger:   log,
		streams:  newStreamAssembler(),
	}
}

func (r *Router) SetLocalIdentity(identity string) { r.localIdentity = identity }

// SetListener replaces the inbound event listener. Applications call this
// (typically via Session.SetDataListener) to receive the §4.6 inbound
// events instead of having them dropped on the floor.
func (r *Router) SetListener(l Listener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

func (r *Router) currentListener() Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listener
}

// SendUserPacket builds and routes a DataPacket carrying a UserPacket.
func (r *Router) SendUserPacket(payload []byte, topic string, destinationIdentities []string, reliable bool) error {
	if r.localIdentity == "" {
		return ErrEmptyParticipantIdentity
	}
	up := &livekit.UserPacket{
		ParticipantIdentity:   r.localIdentity,
		Payload:               payload,
		DestinationIdentities: destinationIdentities,
	}
	if topic != "" {
		up.Topic = &topic
	}

	dp := &livekit.DataPacket{
		Kind:                  reliabilityKind(reliable),
		ParticipantIdentity:   r.localIdentity,
		DestinationIdentities: destinationIdentities,
		Value:                 &livekit.DataPacket_User{User: up},
	}
	return r.send(dp, reliable)
}

func reliabilityKind(reliable bool) livekit.DataPacket_Kind {
	if reliable {
		return livekit.DataPacket_RELIABLE
	}
	return livekit.DataPacket_LOSSY
}

func (r *Router) send(dp *livekit.DataPacket, reliable bool) error {
	payload, err := wire.EncodeDataPacket(dp)
	if err != nil {
		return err
	}
	return r.sender.SendData(payload, reliable)
}

// HandleInbound decodes raw data-channel bytes and dispatches per the §4.6
// inbound table. Parse failures are logged and surfaced the same way as
// Wire Codec parse errors — they never tear down the data channel.
func (r *Router) HandleInbound(raw []byte) {
	dp, err := wire.DecodeDataPacket(raw)
	if err != nil {
		r.logger.Warnw("failed to decode data packet", err)
		return
	}

	listener := r.currentListener()
	if listener == nil {
		r.logger.Debugw("dropping inbound data packet: no listener registered")
		return
	}

	switch v := dp.Value.(type) {
	case *livekit.DataPacket_User:
		topic := ""
		if v.User.Topic != nil {
			topic = *v.User.Topic
		}
		listener.OnUserPacket(v.User.ParticipantIdentity, v.User.Payload, topic, v.User.DestinationIdentities)
	case *livekit.DataPacket_Speaker:
		listener.OnActiveSpeakersUpdate(v.Speaker.Speakers)
	case *livekit.DataPacket_Transcription:
		listener.OnTranscription(v.Transcription)
	case *livekit.DataPacket_ChatMessage:
		listener.OnChatMessage(dp.ParticipantIdentity, v.ChatMessage)
	case *livekit.DataPacket_RpcRequest:
		listener.OnRpcRequest(v.RpcRequest)
	case *livekit.DataPacket_RpcAck:
		listener.OnRpcAck(v.RpcAck)
	case *livekit.DataPacket_RpcResponse:
		listener.OnRpcResponse(v.RpcResponse)
	case *livekit.DataPacket_Metrics:
		listener.OnMetrics(v.Metrics)
	case *livekit.DataPacket_StreamHeader:
		r.streams.onHeader(v.StreamHeader, listener)
	case *livekit.DataPacket_StreamChunk:
		r.streams.onChunk(v.StreamChunk, listener)
	case *livekit.DataPacket_StreamTrailer:
		r.streams.onTrailer(v.StreamTrailer, listener)
	default:
		r.logger.Debugw("unhandled data packet variant")
	}
}
