package session

import (
	"context"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit-session/core/pkg/config"
	"github.com/livekit-session/core/pkg/datachannel"
	"github.com/livekit-session/core/pkg/participant"
	"github.com/livekit-session/core/pkg/rtc"
	"github.com/livekit-session/core/pkg/signaling"
	"github.com/livekit-session/core/pkg/wire"
)

// errConnectRejected is returned when the signalling state machine refuses a
// Connect call, e.g. a connect already in flight.
var errConnectRejected = errors.New("session: connect rejected by signalling state machine")

// errReconnectFailed marks a single resume/reconnect attempt as failed, so
// Manager.RetryWithBackoff's attempt loop knows to try again.
var errReconnectFailed = errors.New("session: reconnect attempt failed")

// Listener receives session-level lifecycle notifications, distinct from
// the finer-grained participant.Listener/datachannel.Listener the
// application also registers.
type Listener interface {
	OnStateChange(from, to State)
	OnJoined(room *livekit.Room, local *livekit.ParticipantInfo)
	OnDisconnected(reason signaling.CloseReason)
}

// executor is the single-goroutine posted-work queue described in
// SPEC_FULL.md §6: the session executor serializes application-facing
// callbacks and inbound data-packet handling. Participant Registry
// mutations are not posted here; they run on the goroutine that delivers
// the signal and are guarded by the registry's own lock.
type executor struct {
	work chan func()
	done core.Fuse
}

func newExecutor() *executor {
	e := &executor{work: make(chan func(), 64), done: core.NewFuse()}
	go e.run()
	return e
}

func (e *executor) run() {
	for {
		select {
		case fn := <-e.work:
			fn()
		case <-e.done.Watch():
			return
		}
	}
}

func (e *executor) post(fn func()) {
	select {
	case e.work <- fn:
	case <-e.done.Watch():
	}
}

func (e *executor) stop() { e.done.Break() }

// Session composes the Signalling Client, Transport Manager, Participant
// Registry, and Data Router into the application-facing API (§4.4).
type Session struct {
	logger logger.Logger

	signalClient *signaling.Client
	registry     *participant.Registry

	sessionExecutor *executor

	mu                sync.RWMutex
	state             State
	transport         *rtc.Manager
	router            *datachannel.Router
	dataListener      datachannel.Listener
	subscriberPrimary bool
	listeners         []Listener

	enabledCodecs []*livekit.Codec
	dirConf       rtc.DirectionConfig

	// lastConnectParams is replayed (with Reconnect/ParticipantSid overridden)
	// by a resume or full reconnect attempt, per §4.3.
	lastConnectParams signaling.ConnectParams
	reconnecting      atomic.Bool
	reconnectIce      chan []webrtc.ICEServer

	teardownOnce sync.Once
	closed       core.Fuse
}

// New builds a Session with a fresh Signalling Client and Participant
// Registry; the Transport Manager and Data Router are constructed once the
// JoinResponse is known (they need server-provided ICE servers and codecs).
func New(log logger.Logger, enabledCodecs []*livekit.Codec) *Session {
	if log == nil {
		log = logger.GetLogger()
	}
	s := &Session{
		logger:          log,
		signalClient:    signaling.NewClient(log),
		registry:        participant.NewRegistry(log),
		sessionExecutor: newExecutor(),
		enabledCodecs:   enabledCodecs,
		dirConf:         rtc.DefaultDirectionConfig(),
		closed:          core.NewFuse(),
	}
	s.signalClient.SetServerListener(s)
	s.signalClient.AddTransportListener(signalTransportAdapter{s})
	return s
}

func (s *Session) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *Session) snapshotListeners() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Listener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	for _, l := range s.snapshotListeners() {
		l := l
		s.sessionExecutor.post(func() { l.OnStateChange(from, to) })
	}
}

// Connect runs join-protocol steps 1-2 (§4.4): it opens the WebSocket. The
// JoinResponse itself arrives asynchronously via OnJoin and drives steps 3-5.
func (s *Session) Connect(ctx context.Context, opts config.ConnectOptions, host, authToken string) error {
	s.setState(StateConnecting)

	params := signaling.ConnectParams{
		Host:                 host,
		AuthToken:            authToken,
		AutoSubscribe:        opts.AutoSubscribe,
		AdaptiveStream:       opts.AdaptiveStream,
		Reconnect:            opts.Reconnect,
		ClientInfo:           rtc.BuildClientInfo(),
		SocketConnectTimeout: opts.SocketConnectTimeout,
	}
	if params.SocketConnectTimeout == 0 {
		params.SocketConnectTimeout = 10 * time.Second
	}

	s.mu.Lock()
	s.lastConnectParams = params
	s.mu.Unlock()

	if !s.signalClient.Connect(ctx, params) {
		s.setState(StateDisconnected)
		return errConnectRejected
	}
	return nil
}

// SetDataListener registers the application's inbound data-packet listener
// against the Data Packet Router, once one exists (i.e. after OnJoin). §4.6's
// inbound events (user packets, chat, RPC, metrics, streams, speaker updates)
// are otherwise decoded and silently dropped.
func (s *Session) SetDataListener(l datachannel.Listener) {
	s.mu.Lock()
	s.dataListener = l
	r := s.router
	s.mu.Unlock()
	if r != nil {
		r.SetListener(l)
	}
}

// OnJoin implements signaling.ResponseListener: join-protocol steps 3-5.
func (s *Session) OnJoin(join *livekit.JoinResponse) {
	s.registry.SetLocalParticipant(join.Participant)
	s.registry.Bootstrap(join.OtherParticipants)

	rtcConfig := webrtc.Configuration{ICEServers: toICEServers(join.IceServers)}

	mgr, err := rtc.NewManager(rtc.ManagerParams{
		Configuration:   rtcConfig,
		DirectionConfig: s.dirConf,
		EnabledCodecs:   s.enabledCodecs,
		Logger:          s.logger,
	})
	if err != nil {
		s.logger.Errorw("failed to create transport manager", err)
		s.setState(StateDisconnected)
		return
	}
	mgr.SetPrimary(join.SubscriberPrimary, join.FastPublish)
	s.wireTransport(mgr)

	s.mu.Lock()
	s.transport = mgr
	s.subscriberPrimary = join.SubscriberPrimary
	s.router = datachannel.NewRouter(mgr, s.dataListener, s.logger)
	s.router.SetLocalIdentity(join.Participant.Identity)
	s.mu.Unlock()

	if !join.SubscriberPrimary {
		mgr.Negotiate(false)
	}

	s.setState(StateConnected)
	for _, l := range s.snapshotListeners() {
		l := l
		s.sessionExecutor.post(func() { l.OnJoined(join.Room, join.Participant) })
	}
}

func (s *Session) wireTransport(mgr *rtc.Manager) {
	mgr.OnOffer(func(_ livekit.SignalTarget, sd webrtc.SessionDescription) error {
		return s.signalClient.SendOffer(toProtoSDP(sd))
	})
	mgr.OnAnswer(func(_ livekit.SignalTarget, sd webrtc.SessionDescription) error {
		return s.signalClient.SendAnswer(toProtoSDP(sd))
	})
	mgr.OnICECandidate(func(target livekit.SignalTarget, candidate webrtc.ICECandidateInit) error {
		req, err := toProtoTrickle(target, candidate)
		if err != nil {
			return err
		}
		return s.signalClient.SendTrickle(req)
	})
	mgr.OnDataPacket(func(data []byte, reliable bool) {
		s.sessionExecutor.post(func() {
			s.mu.RLock()
			r := s.router
			s.mu.RUnlock()
			if r != nil {
				r.HandleInbound(data)
			}
		})
	})
}

func toICEServers(servers []*livekit.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, is := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       is.Urls,
			Username:   is.Username,
			Credential: is.Credential,
		})
	}
	return out
}

func toProtoSDP(sd webrtc.SessionDescription) *livekit.SessionDescription {
	return &livekit.SessionDescription{Type: sd.Type.String(), Sdp: sd.SDP}
}

func fromProtoSDP(sd *livekit.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(sd.Type), SDP: sd.Sdp}
}

func toProtoTrickle(target livekit.SignalTarget, c webrtc.ICECandidateInit) (*livekit.TrickleRequest, error) {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	idx := 0
	if c.SDPMLineIndex != nil {
		idx = int(*c.SDPMLineIndex)
	}
	blob, err := wire.EncodeTrickleCandidate(c.Candidate, mid, idx, c.UsernameFragment)
	if err != nil {
		return nil, err
	}
	return &livekit.TrickleRequest{CandidateInit: blob, Target: target}, nil
}

func fromProtoTrickle(t *livekit.TrickleRequest) (webrtc.ICECandidateInit, error) {
	init, err := wire.DecodeTrickleCandidate(t.CandidateInit)
	if err != nil {
		return webrtc.ICECandidateInit{}, err
	}
	mid := init.SDPMid
	idx := uint16(init.SDPMLineIndex)
	return webrtc.ICECandidateInit{
		Candidate:        init.Candidate,
		SDPMid:           &mid,
		SDPMLineIndex:    &idx,
		UsernameFragment: init.UsernameFragment,
	}, nil
}

// OnAnswer/OnOffer/OnTrickle/OnParticipantUpdate/... implement
// signaling.ResponseListener, dispatching to the transport manager and
// participant registry.
func (s *Session) OnAnswer(sd *livekit.SessionDescription) {
	s.transportOrNil(func(m *rtc.Manager) {
		if err := m.SetRemoteAnswer(fromProtoSDP(sd)); err != nil {
			s.logger.Errorw("failed to apply remote answer", err)
		}
	})
}

func (s *Session) OnOffer(sd *livekit.SessionDescription) {
	s.transportOrNil(func(m *rtc.Manager) {
		if err := m.SetRemoteOffer(fromProtoSDP(sd)); err != nil {
			s.logger.Errorw("failed to apply remote offer", err)
		}
	})
}

func (s *Session) OnTrickle(t *livekit.TrickleRequest) {
	s.transportOrNil(func(m *rtc.Manager) {
		init, err := fromProtoTrickle(t)
		if err != nil {
			s.logger.Warnw("failed to decode trickle candidate", err)
			return
		}
		if err := m.AddICECandidate(t.Target, init); err != nil {
			s.logger.Warnw("failed to apply ice candidate", err)
		}
	})
}

func (s *Session) OnParticipantUpdate(update *livekit.ParticipantUpdate) {
	for _, p := range update.Participants {
		// The public wire schema carries no TimedVersion field; ordering
		// falls back to "always newer" per registry.ApplyUpdate's contract.
		s.registry.ApplyUpdate(p, participant.TimedVersion{})
	}
}

func (s *Session) OnTrackPublished(resp *livekit.TrackPublishedResponse) {
	s.registry.AckPublish(resp.Cid, resp.Track.Sid)
}

func (s *Session) OnTrackUnpublished(*livekit.TrackUnpublishedResponse) {}

// OnLeave implements signaling.ResponseListener. A reconnectable Leave is
// the signalling-initiated counterpart to a dropped connection: the
// PeerConnections are left intact and only the signalling link is redialed
// (§4.3 "Resume", §8 scenario S2).
func (s *Session) OnLeave(leave *livekit.LeaveRequest) {
	if leave.CanReconnect {
		s.beginReconnect(rtc.ReconnectModeResume)
		return
	}
	s.teardown(signaling.CloseReasonNormal)
}

// OnReconnect implements signaling.ResponseListener: the full-reconnect
// counterpart to OnJoin, delivering the fresh ICE server set a Full
// reconnect attempt is waiting on (§4.3 "Full reconnect", §8 scenario S3).
func (s *Session) OnReconnect(resp *livekit.ReconnectResponse) {
	s.mu.RLock()
	ch := s.reconnectIce
	s.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- toICEServers(resp.IceServers):
	default:
	}
}

func (s *Session) OnRefreshToken(string)              {}
func (s *Session) OnPong(int64, int64)                {}
func (s *Session) OnUnhandled(*livekit.SignalResponse) {}
func (s *Session) OnResponseParseError(err error) {
	s.logger.Warnw("signal response parse error", err)
}

// beginReconnect drives a single resume or full reconnect attempt loop
// through Manager.RetryWithBackoff, guarded so overlapping triggers (e.g. a
// reconnectable Leave racing a transport error) collapse into one attempt.
func (s *Session) beginReconnect(mode rtc.ReconnectMode) {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}

	s.mu.RLock()
	mgr := s.transport
	s.mu.RUnlock()
	if mgr == nil {
		s.reconnecting.Store(false)
		s.teardown(signaling.CloseReasonTransportError)
		return
	}

	s.setState(StateReconnecting)

	go func() {
		defer s.reconnecting.Store(false)
		err := mgr.RetryWithBackoff(func(attempt int) error {
			s.logger.Infow("attempting session reconnect", "attempt", attempt, "mode", mode)
			return s.attemptReconnect(mgr, mode)
		})
		if err != nil {
			s.logger.Errorw("reconnect exhausted all attempts, tearing down", err)
			s.teardown(signaling.CloseReasonTransportError)
			return
		}
		s.setState(StateConnected)
	}()
}

// attemptReconnect runs one resume or full-reconnect cycle: redial the
// signalling WebSocket with reconnect=1 and the known participant sid, then
// either send SyncState (Resume, PCs retained) or wait for the matching
// ReconnectResponse and rebuild both PeerConnections against its ICE servers
// (Full, §4.3).
func (s *Session) attemptReconnect(mgr *rtc.Manager, mode rtc.ReconnectMode) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.mu.Lock()
	params := s.lastConnectParams
	params.Reconnect = true
	if lp := s.registry.LocalParticipant(); lp != nil {
		params.ParticipantSid = lp.Sid
	}
	var iceCh chan []webrtc.ICEServer
	if mode == rtc.ReconnectModeFull {
		iceCh = make(chan []webrtc.ICEServer, 1)
		s.reconnectIce = iceCh
	}
	s.mu.Unlock()

	if !s.signalClient.Connect(ctx, params) {
		return errReconnectFailed
	}

	if mode == rtc.ReconnectModeResume {
		if err := mgr.Reconnect(rtc.ReconnectModeResume, nil); err != nil {
			return err
		}
		return s.signalClient.SendSyncState(&livekit.SyncState{})
	}

	var freshConfig *webrtc.Configuration
	select {
	case servers := <-iceCh:
		freshConfig = &webrtc.Configuration{ICEServers: servers}
	case <-ctx.Done():
		return errReconnectFailed
	}

	if err := mgr.Reconnect(rtc.ReconnectModeFull, freshConfig); err != nil {
		return err
	}
	mgr.Negotiate(true)
	return nil
}

// signalTransportAdapter bridges signaling.TransportListener to the
// session's own teardown handling (distinct state machines, §4.4 vs §4.2).
type signalTransportAdapter struct{ s *Session }

func (a signalTransportAdapter) OnStateChange(from, to signaling.ConnectionState) {}

// OnClosed routes a transport-error close into a Full reconnect attempt and a
// ping timeout into a Resume attempt (§4.3); a clean/client-initiated close
// has no recovery path and tears the session down.
func (a signalTransportAdapter) OnClosed(reason signaling.CloseReason) {
	switch reason {
	case signaling.CloseReasonTransportError:
		a.s.beginReconnect(rtc.ReconnectModeFull)
	case signaling.CloseReasonServerPingTimedOut:
		a.s.beginReconnect(rtc.ReconnectModeResume)
	default:
		a.s.teardown(reason)
	}
}

func (s *Session) teardown(reason signaling.CloseReason) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		mgr := s.transport
		s.transport = nil
		s.mu.Unlock()
		if mgr != nil {
			mgr.Close()
		}
		s.setState(StateClosed)
		for _, l := range s.snapshotListeners() {
			l := l
			s.sessionExecutor.post(func() { l.OnDisconnected(reason) })
		}
	})
}

// Disconnect implements the application-facing disconnect sequence (§4.4).
// The Signalling Client sends the LeaveRequest, moves to Disconnecting and
// closes the WebSocket; teardown then closes both peer connections, so the
// WebSocket is closed before the peer connections are. The client's
// CloseReasonClientInitiated notification drives teardown too, but
// teardownOnce makes calling it directly and via that notification safe.
func (s *Session) Disconnect() {
	s.signalClient.Disconnect()
	s.teardown(signaling.CloseReasonClientInitiated)
	s.closed.Break()
	s.sessionExecutor.stop()
}

func (s *Session) transportOrNil(fn func(m *rtc.Manager)) {
	s.mu.RLock()
	mgr := s.transport
	s.mu.RUnlock()
	if mgr != nil {
		fn(mgr)
	}
}

// Registry exposes the Participant Registry for application read access and
// listener registration.
func (s *Session) Registry() *participant.Registry { return s.registry }

// Router exposes the Data Packet Router once a JoinResponse has arrived.
// Applications should prefer SetDataListener, called before or after
// Connect, over reaching in to call Router().SetListener directly.
func (s *Session) Router() *datachannel.Router {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.router
}

// Negotiate requests publisher renegotiation (e.g. after a local track add).
func (s *Session) Negotiate(force bool) {
	s.transportOrNil(func(m *rtc.Manager) { m.Negotiate(force) })
}

// BeginPublish allocates a ClientTrackId and sends AddTrackRequest,
// implementing §4.5's local track-publication steps 1-2.
func (s *Session) BeginPublish(req *livekit.AddTrackRequest) (string, error) {
	cid := s.registry.BeginPublish()
	req.Cid = cid
	if err := s.signalClient.SendAddTrack(req); err != nil {
		return "", err
	}
	return cid, nil
}

