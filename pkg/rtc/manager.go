package rtc

import (
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"
)

// Data channel labels, fixed per §3/§6.
const (
	ReliableDataChannel = "_reliable"
	LossyDataChannel    = "_lossy"
)

const (
	// DefaultReconnectAttempts and DefaultReconnectAttemptDelay are the §4.3
	// reconnection retry defaults.
	DefaultReconnectAttempts     = 3
	DefaultReconnectAttemptDelay = 2 * time.Second
)

// ReconnectMode distinguishes the two reconnection behaviours in §4.3.
type ReconnectMode int

const (
	ReconnectModeResume ReconnectMode = iota
	ReconnectModeFull
)

// ManagerParams configures the Transport Manager.
type ManagerParams struct {
	Configuration   webrtc.Configuration
	DirectionConfig DirectionConfig
	EnabledCodecs   []*livekit.Codec
	Logger          logger.Logger

	ReconnectAttempts     int
	ReconnectAttemptDelay time.Duration
}

// OfferSink and CandidateSink let the Session Orchestrator wire the Manager's
// negotiation output to the Signalling Client without the rtc package
// importing pkg/signaling (layering per SPEC_FULL.md §2).
type OfferSink func(target livekit.SignalTarget, sd webrtc.SessionDescription) error
type CandidateSink func(target livekit.SignalTarget, candidate webrtc.ICECandidateInit) error

// Manager owns the publisher and subscriber PCTransports, the data channels
// the publisher creates, and the reconnection state machine. Grounded on the
// dual-transport wiring in test/client/client.go's NewRTCClient, generalized
// away from that file's test-only bookkeeping (pendingTrackWriters, etc).
type Manager struct {
	params ManagerParams

	mu                 sync.RWMutex
	publisher          *PCTransport
	subscriber         *PCTransport
	subscriberPrimary  bool
	fastPublish        bool
	reliableChannel    *webrtc.DataChannel
	lossyChannel       *webrtc.DataChannel
	subReliableChannel *webrtc.DataChannel
	subLossyChannel    *webrtc.DataChannel

	onOffer        OfferSink
	onAnswer       OfferSink
	onICECandidate CandidateSink
	onDataPacket   func(data []byte, reliable bool)
	onTrack        func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onFullyEstablished func()

	reconnecting bool
}

// NewManager constructs both PCTransports. Each transport is tagged with the
// SignalTarget of its own role — SignalTarget_PUBLISHER for the transport
// that sends media, SignalTarget_SUBSCRIBER for the one that receives it —
// and both are built from the same DirectionConfig.
func NewManager(params ManagerParams) (*Manager, error) {
	if params.ReconnectAttempts <= 0 {
		params.ReconnectAttempts = DefaultReconnectAttempts
	}
	if params.ReconnectAttemptDelay <= 0 {
		params.ReconnectAttemptDelay = DefaultReconnectAttemptDelay
	}

	m := &Manager{params: params}
	if err := m.createTransports(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) createTransports() error {
	publisher, err := NewPCTransport(TransportParams{
		Target:        livekit.SignalTarget_PUBLISHER,
		Configuration: m.params.Configuration,
		DirectionConf: m.params.DirectionConfig,
		EnabledCodecs: m.params.EnabledCodecs,
		Logger:        m.params.Logger,
	})
	if err != nil {
		return err
	}
	subscriber, err := NewPCTransport(TransportParams{
		Target:        livekit.SignalTarget_SUBSCRIBER,
		Configuration: m.params.Configuration,
		DirectionConf: m.params.DirectionConfig,
		EnabledCodecs: m.params.EnabledCodecs,
		Logger:        m.params.Logger,
	})
	if err != nil {
		publisher.Close()
		return err
	}

	publisher.OnOffer(func(sd webrtc.SessionDescription) {
		if m.onOffer != nil {
			if err := m.onOffer(livekit.SignalTarget_PUBLISHER, sd); err != nil {
				m.params.Logger.Errorw("failed to send publisher offer", err)
			}
		}
	})
	publisher.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || m.onICECandidate == nil {
			return
		}
		if err := m.onICECandidate(livekit.SignalTarget_PUBLISHER, c.ToJSON()); err != nil {
			m.params.Logger.Errorw("failed to trickle publisher candidate", err)
		}
	})
	publisher.OnFullyEstablished(func() {
		if !m.subscriberPrimaryLocked() && m.onFullyEstablished != nil {
			m.onFullyEstablished()
		}
	})

	subscriber.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || m.onICECandidate == nil {
			return
		}
		if err := m.onICECandidate(livekit.SignalTarget_SUBSCRIBER, c.ToJSON()); err != nil {
			m.params.Logger.Errorw("failed to trickle subscriber candidate", err)
		}
	})
	subscriber.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if m.onTrack != nil {
			m.onTrack(track, receiver)
		}
	})
	subscriber.OnFullyEstablished(func() {
		if m.subscriberPrimaryLocked() && m.onFullyEstablished != nil {
			m.onFullyEstablished()
		}
	})
	subscriber.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.bindInboundChannel(dc)
	})

	ordered := true
	unordered := false
	maxRetransmits := uint16(0)
	reliable, err := publisher.CreateDataChannel(ReliableDataChannel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		publisher.Close()
		subscriber.Close()
		return err
	}
	lossy, err := publisher.CreateDataChannel(LossyDataChannel, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		publisher.Close()
		subscriber.Close()
		return err
	}

	m.mu.Lock()
	m.publisher = publisher
	m.subscriber = subscriber
	m.reliableChannel = reliable
	m.lossyChannel = lossy
	m.mu.Unlock()

	return nil
}

func (m *Manager) subscriberPrimaryLocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscriberPrimary
}

// SetPrimary records which transport gates overall session readiness, per
// JoinResponse.subscriber_primary (§4.3 "Primary transport").
func (m *Manager) SetPrimary(subscriberPrimary, fastPublish bool) {
	m.mu.Lock()
	m.subscriberPrimary = subscriberPrimary
	m.fastPublish = fastPublish
	m.mu.Unlock()
}

func (m *Manager) bindInboundChannel(dc *webrtc.DataChannel) {
	m.mu.Lock()
	switch dc.Label() {
	case ReliableDataChannel:
		m.subReliableChannel = dc
	case LossyDataChannel:
		m.subLossyChannel = dc
	default:
		m.mu.Unlock()
		return
	}
	reliable := dc.Label() == ReliableDataChannel
	m.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if m.onDataPacket != nil {
			m.onDataPacket(msg.Data, reliable)
		}
	})
}

func (m *Manager) OnOffer(f OfferSink)                                          { m.onOffer = f }
func (m *Manager) OnAnswer(f OfferSink)                                         { m.onAnswer = f }
func (m *Manager) OnICECandidate(f CandidateSink)                               { m.onICECandidate = f }
func (m *Manager) OnDataPacket(f func(data []byte, reliable bool))              { m.onDataPacket = f }
func (m *Manager) OnTrack(f func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	m.onTrack = f
}
func (m *Manager) OnFullyEstablished(f func()) { m.onFullyEstablished = f }

// Negotiate requests a debounced (or, if force, immediate) offer on the
// publisher transport.
func (m *Manager) Negotiate(force bool) {
	m.mu.RLock()
	p := m.publisher
	m.mu.RUnlock()
	if p != nil {
		p.Negotiate(force)
	}
}

// SetRemoteOffer applies an inbound offer to the subscriber and replies with
// an answer through onAnswer (§4.3 "Subscriber side").
func (m *Manager) SetRemoteOffer(sd webrtc.SessionDescription) error {
	m.mu.RLock()
	sub := m.subscriber
	m.mu.RUnlock()

	if err := sub.SetRemoteDescription(sd); err != nil {
		return err
	}
	answer, err := sub.CreateAnswer()
	if err != nil {
		return err
	}
	if m.onAnswer != nil {
		return m.onAnswer(livekit.SignalTarget_SUBSCRIBER, answer)
	}
	return nil
}

// SetRemoteAnswer applies an inbound answer to the publisher.
func (m *Manager) SetRemoteAnswer(sd webrtc.SessionDescription) error {
	m.mu.RLock()
	pub := m.publisher
	m.mu.RUnlock()
	return pub.SetRemoteDescription(sd)
}

// AddICECandidate applies a remote trickle candidate to the named transport.
func (m *Manager) AddICECandidate(target livekit.SignalTarget, candidate webrtc.ICECandidateInit) error {
	m.mu.RLock()
	var t *PCTransport
	if target == livekit.SignalTarget_PUBLISHER {
		t = m.publisher
	} else {
		t = m.subscriber
	}
	m.mu.RUnlock()
	if t == nil {
		return nil
	}
	return t.AddICECandidate(candidate)
}

// SendData routes an outbound payload to the reliable or lossy publisher
// channel per §4.3/§4.6. Returns an error if the backpressure threshold
// (recommended 1 MiB) is exceeded; no queueing is performed at this layer.
const maxBufferedAmount uint64 = 1 << 20

// ErrChannelBackpressure surfaces when a data channel's buffered amount
// exceeds the configured threshold.
var ErrChannelBackpressure = errSendError("rtc: data channel buffered amount exceeds threshold")

type errSendError string

func (e errSendError) Error() string { return string(e) }

func (m *Manager) SendData(payload []byte, reliable bool) error {
	m.mu.RLock()
	ch := m.reliableChannel
	if !reliable {
		ch = m.lossyChannel
	}
	m.mu.RUnlock()

	if ch == nil {
		return errSendError("rtc: data channel not yet open")
	}
	if buffered := uint64(ch.BufferedAmount()); buffered > maxBufferedAmount {
		if m.params.Logger != nil {
			m.params.Logger.Warnw("data channel backpressure", ErrChannelBackpressure,
				"buffered", humanize.Bytes(buffered), "threshold", humanize.Bytes(maxBufferedAmount))
		}
		return ErrChannelBackpressure
	}
	return ch.Send(payload)
}

// Close tears down both peer connections concurrently; a slow publisher
// close must not delay closing the subscriber (and vice versa).
func (m *Manager) Close() {
	m.mu.Lock()
	pub, sub := m.publisher, m.subscriber
	m.mu.Unlock()

	var g errgroup.Group
	if pub != nil {
		g.Go(pub.Close)
	}
	if sub != nil {
		g.Go(sub.Close)
	}
	_ = g.Wait()
}

// Reconnect implements §4.3's Resume/Reconnect distinction. Resume keeps the
// existing PeerConnections; Reconnect tears both down and recreates them
// from a fresh ICE configuration (e.g. from ReconnectResponse).
func (m *Manager) Reconnect(mode ReconnectMode, freshConfig *webrtc.Configuration) error {
	m.mu.Lock()
	if m.reconnecting {
		m.mu.Unlock()
		return nil
	}
	m.reconnecting = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	if mode == ReconnectModeResume {
		// Peer connections are retained; caller is responsible for sending
		// SyncState and re-trickling any buffered candidates.
		return nil
	}

	m.Close()
	if freshConfig != nil {
		m.params.Configuration = *freshConfig
	}
	return m.createTransports()
}

// RetryWithBackoff runs fn up to params.ReconnectAttempts times, separated by
// params.ReconnectAttemptDelay, returning the last error if all attempts
// fail.
func (m *Manager) RetryWithBackoff(fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt < m.params.ReconnectAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(m.params.ReconnectAttemptDelay)
		}
		if err := fn(attempt); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}
