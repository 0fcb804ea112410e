// Package signaling owns the WebSocket endpoint to the SFU: the connection
// state machine, outbound request serialization, inbound response
// dispatch, and keep-alive ping/pong (spec.md §4.2).
package signaling

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit-session/core/pkg/wire"
)

// SDK identifies this implementation in ClientInfo.sdk (§6). LiveKit's
// protocol reserves a GO value for exactly this purpose.
const SDK = livekit.ClientInfo_GO

// ProtocolVersion is the signalling protocol integer sent in the connect URL.
const ProtocolVersion = 15

// ResponseListener receives decoded inbound signals. Only one listener is
// installed at a time (SetServerListener replaces it), per §4.2.
type ResponseListener interface {
	OnJoin(*livekit.JoinResponse)
	OnAnswer(*livekit.SessionDescription)
	OnOffer(*livekit.SessionDescription)
	OnTrickle(*livekit.TrickleRequest)
	OnParticipantUpdate(*livekit.ParticipantUpdate)
	OnTrackPublished(*livekit.TrackPublishedResponse)
	OnTrackUnpublished(*livekit.TrackUnpublishedResponse)
	OnLeave(*livekit.LeaveRequest)
	// OnReconnect delivers a ReconnectResponse: the full-reconnect counterpart
	// to OnJoin, carrying the fresh ICE server set to reconnect PeerConnections
	// with (§4.3 "Full reconnect").
	OnReconnect(*livekit.ReconnectResponse)
	OnRefreshToken(token string)
	OnPong(lastPingTimestamp, rtt int64)
	// OnUnhandled is the exhaustive-switch default: any wire case not named
	// above (mute, room update, speaker updates, connection quality, ...)
	// still reaches the application instead of being silently dropped.
	OnUnhandled(msg *livekit.SignalResponse)
	// OnResponseParseError surfaces a malformed frame. The connection is not
	// torn down (§7 taxonomy item 1).
	OnResponseParseError(err error)
}

// TransportListener observes the connection state machine.
type TransportListener interface {
	OnStateChange(from, to ConnectionState)
	// OnClosed fires once, with the reason the transport went away.
	OnClosed(reason CloseReason)
}

// CloseReason classifies why the signalling connection ended, feeding the
// public LiveKitError taxonomy in §6/§7.
type CloseReason int

const (
	CloseReasonNormal CloseReason = iota
	CloseReasonClientInitiated
	CloseReasonTransportError
	CloseReasonServerPingTimedOut
)

// ConnectParams carries everything needed to build the signalling URL (§6).
type ConnectParams struct {
	Host             string
	AuthToken        string
	AutoSubscribe    bool
	AdaptiveStream   bool
	Reconnect        bool
	ParticipantSid   string // only set when resuming
	ClientInfo       *livekit.ClientInfo
	SocketConnectTimeout time.Duration
}

func (p ConnectParams) buildURL() (string, error) {
	u, err := url.Parse(p.Host)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	}
	u.Path = "/rtc"
	q := u.Query()
	q.Set("access_token", p.AuthToken)
	q.Set("protocol", fmt.Sprintf("%d", ProtocolVersion))
	q.Set("sdk", SDK.String())
	if p.ClientInfo != nil {
		q.Set("version", p.ClientInfo.Version)
	}
	q.Set("auto_subscribe", boolQuery(p.AutoSubscribe))
	q.Set("adaptive_stream", boolQuery(p.AdaptiveStream))
	q.Set("reconnect", boolQuery(p.Reconnect))
	if p.ParticipantSid != "" {
		q.Set("sid", p.ParticipantSid)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func boolQuery(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Client owns the WebSocket endpoint, a unique client id, the connection
// state machine, and the two listener sets. Grounded on the teacher's
// test/client/client.go read/write loop, generalized into an explicit
// component with a typed state machine instead of ad hoc fields.
type Client struct {
	id uint64

	logger logger.Logger

	mu            sync.RWMutex
	state         ConnectionState
	conn          *websocket.Conn
	serverListener ResponseListener
	transportListeners []TransportListener

	writeMu sync.Mutex

	pingInterval time.Duration
	pingTimeout  time.Duration
	lastPingAt   atomic.Int64
	lastPongAt   atomic.Int64

	keepAliveCancel context.CancelFunc
	readDone        chan struct{}

	closeOnce sync.Once
}

func NewClient(log logger.Logger) *Client {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Client{
		id:     rand.Uint64(),
		logger: log,
		state:  Disconnected,
	}
}

func (c *Client) ID() uint64 { return c.id }

func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetServerListener replaces the single typed listener for inbound signals.
func (c *Client) SetServerListener(l ResponseListener) {
	c.mu.Lock()
	c.serverListener = l
	c.mu.Unlock()
}

// AddTransportListener registers an observer of connection-state changes.
// Listeners are copy-on-iterate so they may add/remove other listeners
// safely from within a notification (§5).
func (c *Client) AddTransportListener(l TransportListener) {
	c.mu.Lock()
	c.transportListeners = append(c.transportListeners, l)
	c.mu.Unlock()
}

func (c *Client) setState(to ConnectionState) TransitionResult {
	c.mu.Lock()
	from := c.state
	result := changeTransportState(from, to)
	if result == Changed {
		c.state = to
	}
	listeners := make([]TransportListener, len(c.transportListeners))
	copy(listeners, c.transportListeners)
	c.mu.Unlock()

	if result == Changed {
		for _, l := range listeners {
			l := l
			go l.OnStateChange(from, to)
		}
	}
	return result
}

// Connect opens a WebSocket to host with authToken and blocks until the
// connection is open or params.SocketConnectTimeout (default 10s) elapses. Returns false
// if a connect is rejected by the state machine (e.g. already connecting).
func (c *Client) Connect(ctx context.Context, params ConnectParams) bool {
	if c.setState(Connecting) != Changed {
		return false
	}

	timeout := params.SocketConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wsURL, err := params.buildURL()
	if err != nil {
		c.logger.Errorw("could not build signalling URL", err)
		c.setState(Disconnected)
		return false
	}

	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(dialCtx, wsURL, http.Header{})
	if err != nil {
		c.logger.Warnw("signalling connect failed", err)
		c.setState(Disconnected)
		return false
	}

	c.mu.Lock()
	c.conn = conn
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	if c.setState(Connected) != Changed {
		_ = conn.Close()
		return false
	}

	go c.readLoop()
	return true
}

// Disconnect gracefully closes the connection: Connected/Connecting ->
// Disconnecting -> Disconnected.
func (c *Client) Disconnect() {
	// SendRequest refuses to write once the state has left Connected, so the
	// LeaveRequest goes out before the move to Disconnecting.
	if c.State() == Connected {
		_ = c.SendRequest(&livekit.SignalRequest{
			Message: &livekit.SignalRequest_Leave{
				Leave: &livekit.LeaveRequest{CanReconnect: false, Reason: livekit.DisconnectReason_CLIENT_INITIATED},
			},
		})
	}
	if c.setState(Disconnecting) == Rejected {
		return
	}
	c.closeOnce.Do(func() {
		c.stopKeepAlive()
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
	})
	c.setState(Disconnected)
	c.notifyClosed(CloseReasonClientInitiated)
}

func (c *Client) notifyClosed(reason CloseReason) {
	c.mu.RLock()
	listeners := make([]TransportListener, len(c.transportListeners))
	copy(listeners, c.transportListeners)
	c.mu.RUnlock()
	for _, l := range listeners {
		l := l
		go l.OnClosed(reason)
	}
}

// SendRequest serializes and writes one SignalRequest. Returns
// errNotConnected if the transport is not writable (not Connected).
func (c *Client) SendRequest(msg *livekit.SignalRequest) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()
	if conn == nil || state != Connected {
		return errNotConnected
	}
	payload, err := wire.Encode(msg)
	if err != nil {
		c.logger.Warnw("failed to encode signal request", err)
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

// --- typed request senders (§4.2's ~16 request variants) ---

func (c *Client) SendOffer(sd *livekit.SessionDescription) error {
	return c.SendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_Offer{Offer: sd}})
}

func (c *Client) SendAnswer(sd *livekit.SessionDescription) error {
	return c.SendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_Answer{Answer: sd}})
}

func (c *Client) SendTrickle(req *livekit.TrickleRequest) error {
	return c.SendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_Trickle{Trickle: req}})
}

func (c *Client) SendAddTrack(req *livekit.AddTrackRequest) error {
	return c.SendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_AddTrack{AddTrack: req}})
}

func (c *Client) SendMuteTrack(sid string, muted bool) error {
	return c.SendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_Mute{
		Mute: &livekit.MuteTrackRequest{Sid: sid, Muted: muted},
	}})
}

func (c *Client) SendUpdateSubscription(req *livekit.UpdateSubscription) error {
	return c.SendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_Subscription{Subscription: req}})
}

func (c *Client) SendUpdateTrackSettings(req *livekit.UpdateTrackSettings) error {
	return c.SendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_TrackSetting{TrackSetting: req}})
}

func (c *Client) SendLeave() error {
	return c.SendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_Leave{Leave: &livekit.LeaveRequest{}}})
}

func (c *Client) SendUpdateLayers(req *livekit.UpdateVideoLayers) error {
	return c.SendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_UpdateLayers{UpdateLayers: req}})
}

func (c *Client) SendSubscriptionPermission(req *livekit.SubscriptionPermission) error {
	return c.SendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_SubscriptionPermission{SubscriptionPermission: req}})
}

func (c *Client) SendSyncState(req *livekit.SyncState) error {
	return c.SendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_SyncState{SyncState: req}})
}

func (c *Client) SendSimulate(req *livekit.SimulateScenario) error {
	return c.SendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_Simulate{Simulate: req}})
}

func (c *Client) SendUpdateMetadata(req *livekit.UpdateParticipantMetadata) error {
	return c.SendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_UpdateMetadata{UpdateMetadata: req}})
}

func (c *Client) SendUpdateAudioTrack(req *livekit.UpdateLocalAudioTrack) error {
	return c.SendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_UpdateAudioTrack{UpdateAudioTrack: req}})
}

func (c *Client) SendUpdateVideoTrack(req *livekit.UpdateLocalVideoTrack) error {
	return c.SendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_UpdateVideoTrack{UpdateVideoTrack: req}})
}

func (c *Client) sendPing(ts int64) error {
	return c.SendRequest(&livekit.SignalRequest{Message: &livekit.SignalRequest_Ping{Ping: ts}})
}

// --- keep-alive ---

// startKeepAlive is invoked once JoinResponse names non-zero intervals.
func (c *Client) startKeepAlive(pingInterval, pingTimeout time.Duration) {
	c.mu.Lock()
	c.pingInterval = pingInterval
	c.pingTimeout = pingTimeout
	ctx, cancel := context.WithCancel(context.Background())
	c.keepAliveCancel = cancel
	c.mu.Unlock()

	if pingInterval <= 0 {
		return
	}
	go c.keepAliveLoop(ctx)
}

func (c *Client) stopKeepAlive() {
	c.mu.Lock()
	cancel := c.keepAliveCancel
	c.keepAliveCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			c.lastPingAt.Store(now)
			if err := c.sendPing(now); err != nil {
				c.logger.Warnw("failed to send ping", err)
				continue
			}
			timeout := time.AfterFunc(c.pingTimeout, func() {
				if c.lastPongAt.Load() < c.lastPingAt.Load() {
					c.handlePingTimeout()
				}
			})
			_ = timeout
		}
	}
}

func (c *Client) handlePingTimeout() {
	c.logger.Warnw("server ping timed out", nil)
	c.stopKeepAlive()
	c.setState(Disconnected)
	c.notifyClosed(CloseReasonServerPingTimedOut)
}

// --- inbound dispatch ---

func (c *Client) readLoop() {
	defer func() {
		c.mu.RLock()
		done := c.readDone
		c.mu.RUnlock()
		if done != nil {
			close(done)
		}
	}()
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if c.State() == Disconnecting || c.State() == Disconnected {
				// normal close after a LeaveRequest: not an error (§4.2).
				return
			}
			c.logger.Warnw("signalling read error", err)
			c.stopKeepAlive()
			c.setState(Disconnected)
			c.notifyClosed(CloseReasonTransportError)
			return
		}

		var msg *livekit.SignalResponse
		switch messageType {
		case websocket.BinaryMessage:
			msg, err = wire.DecodeResponse(payload)
		case websocket.TextMessage:
			msg = &livekit.SignalResponse{}
			err = protojson.Unmarshal(payload, msg)
		default:
			continue
		}
		if err != nil {
			c.dispatchParseError(err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatchParseError(err error) {
	c.mu.RLock()
	l := c.serverListener
	c.mu.RUnlock()
	if l != nil {
		l.OnResponseParseError(err)
	}
}

func (c *Client) dispatch(msg *livekit.SignalResponse) {
	c.mu.RLock()
	l := c.serverListener
	c.mu.RUnlock()
	if l == nil {
		return
	}
	switch m := msg.Message.(type) {
	case *livekit.SignalResponse_Join:
		if m.Join.PingInterval > 0 && m.Join.PingTimeout > 0 {
			c.startKeepAlive(time.Duration(m.Join.PingInterval)*time.Second, time.Duration(m.Join.PingTimeout)*time.Second)
		}
		l.OnJoin(m.Join)
	case *livekit.SignalResponse_Answer:
		l.OnAnswer(m.Answer)
	case *livekit.SignalResponse_Offer:
		l.OnOffer(m.Offer)
	case *livekit.SignalResponse_Trickle:
		l.OnTrickle(m.Trickle)
	case *livekit.SignalResponse_Update:
		l.OnParticipantUpdate(m.Update)
	case *livekit.SignalResponse_TrackPublished:
		l.OnTrackPublished(m.TrackPublished)
	case *livekit.SignalResponse_TrackUnpublished:
		l.OnTrackUnpublished(m.TrackUnpublished)
	case *livekit.SignalResponse_Leave:
		l.OnLeave(m.Leave)
	case *livekit.SignalResponse_Reconnect:
		l.OnReconnect(m.Reconnect)
	case *livekit.SignalResponse_RefreshToken:
		l.OnRefreshToken(m.RefreshToken)
	case *livekit.SignalResponse_Pong:
		// deprecated scalar pong: treated as equivalent to PongResp (§9).
		c.lastPongAt.Store(time.Now().UnixMilli())
		l.OnPong(m.Pong, 0)
	case *livekit.SignalResponse_PongResp:
		c.lastPongAt.Store(time.Now().UnixMilli())
		l.OnPong(m.PongResp.LastPingTimestamp, time.Now().UnixMilli()-m.PongResp.LastPingTimestamp)
	default:
		l.OnUnhandled(msg)
	}
}

var errNotConnected = &notConnectedError{}

type notConnectedError struct{}

func (*notConnectedError) Error() string { return "signaling: not connected" }
