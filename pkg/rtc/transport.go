package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/gammazero/deque"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"
)

const (
	negotiationFrequency    = 50 * time.Millisecond
	negotiationMaxDelay     = 100 * time.Millisecond
	negotiationFailedTimout = 15 * time.Second

	dtlsRetransmissionInterval = 100 * time.Millisecond
	iceDisconnectedTimeout     = 10 * time.Second
	iceFailedTimeout           = 25 * time.Second
	iceKeepaliveInterval       = 2 * time.Second
)

// ErrIceRestartWithoutLocalSDP mirrors the teacher's sentinel: an ICE restart
// was requested mid-negotiation with no local description to fall back to.
var ErrIceRestartWithoutLocalSDP = errors.New("rtc: ice restart requested without a settled local description")

const (
	negotiationStateNone = iota
	negotiationStateClient
	negotiationStateRetry
)

// TransportParams configures a single PCTransport (§4.3: one per SignalTarget).
type TransportParams struct {
	Target        livekit.SignalTarget
	Configuration webrtc.Configuration
	DirectionConf DirectionConfig
	EnabledCodecs []*livekit.Codec
	Logger        logger.Logger
}

// PCTransport wraps one *webrtc.PeerConnection (publisher or subscriber) and
// owns its negotiation state machine, pending ICE candidate buffer, and SDP
// bookkeeping. Grounded on the dual-PC client in test/client/client.go and
// the PCTransport in other_examples/6f46b5a1_dmisol-livekit (trimmed of the
// SFU-only stream allocator / congestion-control wiring).
type PCTransport struct {
	params TransportParams
	pc     *webrtc.PeerConnection

	mu                        sync.RWMutex
	pendingCandidates         deque.Deque[webrtc.ICECandidateInit]
	debouncedNegotiate        func(func())
	negotiationState          int
	negotiateCounter          atomic.Int32
	restartAtNextOffer        bool
	currentOfferIceCredential string
	signalStateCheckTimer     *time.Timer

	onOffer             func(sd webrtc.SessionDescription)
	onFullyEstablished  func()
	onNegotiationFailed func()
	onICECandidate      func(c *webrtc.ICECandidate)
}

// NewPCTransport builds the underlying PeerConnection with the codec set and
// direction config appropriate for its SignalTarget, then wraps it.
func NewPCTransport(params TransportParams) (*PCTransport, error) {
	me, err := createMediaEngine(params.EnabledCodecs, params.DirectionConf)
	if err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.DisableSRTPReplayProtection(true)
	se.DisableSRTCPReplayProtection(true)
	se.SetDTLSRetransmissionInterval(dtlsRetransmissionInterval)
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))
	pc, err := api.NewPeerConnection(params.Configuration)
	if err != nil {
		return nil, err
	}

	t := &PCTransport{
		params:             params,
		pc:                 pc,
		debouncedNegotiate: debounce.New(negotiationFrequency),
		negotiationState:   negotiationStateNone,
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateConnected {
			t.mu.RLock()
			cb := t.onFullyEstablished
			t.mu.RUnlock()
			if cb != nil {
				go cb()
			}
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		t.mu.RLock()
		cb := t.onICECandidate
		t.mu.RUnlock()
		if cb != nil {
			cb(c)
		}
	})

	return t, nil
}

func (t *PCTransport) Logger() logger.Logger { return t.params.Logger }

func (t *PCTransport) PeerConnection() *webrtc.PeerConnection { return t.pc }

func (t *PCTransport) Target() livekit.SignalTarget { return t.params.Target }

// IsEstablished reports whether the underlying PeerConnection has moved past
// its initial "new" state.
func (t *PCTransport) IsEstablished() bool {
	return t.pc.ConnectionState() != webrtc.PeerConnectionStateNew
}

func (t *PCTransport) OnOffer(f func(sd webrtc.SessionDescription)) { t.onOffer = f }
func (t *PCTransport) OnFullyEstablished(f func())                  { t.onFullyEstablished = f }
func (t *PCTransport) OnNegotiationFailed(f func())                 { t.onNegotiationFailed = f }
func (t *PCTransport) OnICECandidate(f func(c *webrtc.ICECandidate)) { t.onICECandidate = f }

// CreateDataChannel opens a data channel on this transport (publisher only,
// per §3/§4.3: the publisher owns `_reliable` and `_lossy`).
func (t *PCTransport) CreateDataChannel(label string, init *webrtc.DataChannelInit) (*webrtc.DataChannel, error) {
	return t.pc.CreateDataChannel(label, init)
}

// OnDataChannel registers the callback the subscriber side uses to learn
// about server-pushed `_reliable`/`_lossy` channels.
func (t *PCTransport) OnDataChannel(f func(dc *webrtc.DataChannel)) {
	t.pc.OnDataChannel(f)
}

// OnTrack registers the subscriber's inbound-track callback.
func (t *PCTransport) OnTrack(f func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	t.pc.OnTrack(f)
}

func (t *PCTransport) Close() error {
	t.mu.Lock()
	if t.signalStateCheckTimer != nil {
		t.signalStateCheckTimer.Stop()
		t.signalStateCheckTimer = nil
	}
	t.mu.Unlock()
	return t.pc.Close()
}

// AddICECandidate buffers the candidate until a remote description is set,
// per the teacher's pattern of deferring ICE application until negotiation
// has progressed far enough to accept it.
func (t *PCTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if t.pc.RemoteDescription() == nil {
		t.mu.Lock()
		t.pendingCandidates.PushBack(candidate)
		t.mu.Unlock()
		return nil
	}
	return t.pc.AddICECandidate(candidate)
}

// SetRemoteDescription applies an inbound offer or answer (§4.3: publisher
// receives answers, subscriber receives offers) and flushes pending ICE
// candidates once the description has settled.
func (t *PCTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	t.mu.Lock()

	if sd.Type == webrtc.SDPTypeOffer {
		parsed, err := sd.Unmarshal()
		if err == nil {
			if user, pwd, credErr := extractICECredential(parsed); credErr == nil {
				credential := fmt.Sprintf("%s:%s", user, pwd)
				if t.currentOfferIceCredential == "" {
					t.currentOfferIceCredential = credential
				}
			}
		}
	}

	if err := t.pc.SetRemoteDescription(sd); err != nil {
		t.mu.Unlock()
		return err
	}

	lastState := t.negotiationState
	t.negotiationState = negotiationStateNone

	if t.signalStateCheckTimer != nil {
		t.signalStateCheckTimer.Stop()
		t.signalStateCheckTimer = nil
	}

	pending := make([]webrtc.ICECandidateInit, 0, t.pendingCandidates.Len())
	for t.pendingCandidates.Len() > 0 {
		pending = append(pending, t.pendingCandidates.PopFront())
	}
	t.mu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			return err
		}
	}

	if lastState == negotiationStateRetry && sd.Type == webrtc.SDPTypeAnswer {
		t.params.Logger.Debugw("re-negotiating after receiving answer")
		if err := t.CreateAndSendOffer(nil); err != nil {
			t.params.Logger.Errorw("could not renegotiate", err)
		}
	}

	return nil
}

// CreateAnswer is used by the subscriber transport: the server is the
// offerer there, so this side only ever answers.
func (t *PCTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// Negotiate schedules (or, if force, immediately fires) an offer on the
// publisher transport, coalescing successive calls within negotiationFrequency.
func (t *PCTransport) Negotiate(force bool) {
	if force {
		t.debouncedNegotiate(func() {})
		if err := t.CreateAndSendOffer(nil); err != nil {
			t.params.Logger.Errorw("could not negotiate", err)
		}
		return
	}
	t.debouncedNegotiate(func() {
		if err := t.CreateAndSendOffer(nil); err != nil {
			t.params.Logger.Errorw("could not negotiate", err)
		}
	})
}

func (t *PCTransport) CreateAndSendOffer(options *webrtc.OfferOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.createAndSendOffer(options)
}

func (t *PCTransport) createAndSendOffer(options *webrtc.OfferOptions) error {
	if t.onOffer == nil {
		return nil
	}
	if t.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return nil
	}

	iceRestart := (options != nil && options.ICERestart) || t.restartAtNextOffer

	if iceRestart && t.negotiationState != negotiationStateNone {
		current := t.pc.CurrentRemoteDescription()
		if current == nil {
			offer := t.pc.LocalDescription()
			if offer == nil {
				return ErrIceRestartWithoutLocalSDP
			}
			t.negotiationState = negotiationStateRetry
			t.restartAtNextOffer = true
			go t.onOffer(*offer)
			return nil
		}
		if err := t.pc.SetRemoteDescription(*current); err != nil {
			return err
		}
	} else {
		switch t.negotiationState {
		case negotiationStateClient:
			t.negotiationState = negotiationStateRetry
			return nil
		case negotiationStateRetry:
			return nil
		}
	}

	if t.restartAtNextOffer {
		t.restartAtNextOffer = false
		if options == nil {
			options = &webrtc.OfferOptions{}
		}
		options.ICERestart = true
	}

	offer, err := t.pc.CreateOffer(options)
	if err != nil {
		return err
	}

	offer = t.filterCandidates(offer)

	if err := t.pc.SetLocalDescription(offer); err != nil {
		return err
	}

	t.negotiationState = negotiationStateClient

	negotiateVersion := t.negotiateCounter.Inc()
	if t.signalStateCheckTimer != nil {
		t.signalStateCheckTimer.Stop()
	}
	t.signalStateCheckTimer = time.AfterFunc(negotiationFailedTimout, func() {
		t.mu.RLock()
		failed := t.negotiationState != negotiationStateNone
		t.mu.RUnlock()
		if t.negotiateCounter.Load() == negotiateVersion && failed && t.onNegotiationFailed != nil {
			t.onNegotiationFailed()
		}
	})

	go t.onOffer(offer)
	return nil
}

// filterCandidates is a hook point matching the teacher's SDP-rewrite step
// before SetLocalDescription (e.g. preferTCP filtering); this client has no
// transport preference to enforce today, so it is the identity transform.
func (t *PCTransport) filterCandidates(sd webrtc.SessionDescription) webrtc.SessionDescription {
	return sd
}

func extractICECredential(desc *sdp.SessionDescription) (string, string, error) {
	var ufrag, pwd string
	if v, ok := desc.Attribute("ice-ufrag"); ok {
		ufrag = v
	}
	if v, ok := desc.Attribute("ice-pwd"); ok {
		pwd = v
	}
	for _, m := range desc.MediaDescriptions {
		if v, ok := m.Attribute("ice-ufrag"); ok {
			ufrag = v
		}
		if v, ok := m.Attribute("ice-pwd"); ok {
			pwd = v
		}
	}
	if ufrag == "" {
		return "", "", webrtc.ErrSessionDescriptionMissingIceUfrag
	}
	if pwd == "" {
		return "", "", webrtc.ErrSessionDescriptionMissingIcePwd
	}
	return ufrag, pwd, nil
}
