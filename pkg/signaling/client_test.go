package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"
)

type recordingTransportListener struct {
	states []ConnectionState
	closed chan CloseReason
}

func newRecordingTransportListener() *recordingTransportListener {
	return &recordingTransportListener{closed: make(chan CloseReason, 1)}
}

func (r *recordingTransportListener) OnStateChange(from, to ConnectionState) {
	r.states = append(r.states, to)
}

func (r *recordingTransportListener) OnClosed(reason CloseReason) {
	r.closed <- reason
}

// TestPingTimeoutClosesWithServerPingTimedOut exercises invariant 4 (keep-alive
// ping/timeout bookkeeping) without a real socket: lastPongAt never advances
// past lastPingAt, so handlePingTimeout must fire exactly the dedicated
// CloseReasonServerPingTimedOut.
func TestPingTimeoutClosesWithServerPingTimedOut(t *testing.T) {
	c := NewClient(logger.GetLogger())
	l := newRecordingTransportListener()
	c.AddTransportListener(l)

	require.Equal(t, Changed, c.setState(Connecting))
	require.Equal(t, Changed, c.setState(Connected))

	c.lastPingAt.Store(time.Now().UnixMilli())
	c.handlePingTimeout()

	select {
	case reason := <-l.closed:
		assert.Equal(t, CloseReasonServerPingTimedOut, reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnClosed notification")
	}
	assert.Equal(t, Disconnected, c.State())
}

// TestDispatchPongAdvancesLastPongAt checks that a PongResp (and the
// deprecated scalar Pong) both count as liveness, so a timer racing a
// just-arrived pong does not spuriously disconnect.
func TestDispatchPongAdvancesLastPongAt(t *testing.T) {
	c := NewClient(logger.GetLogger())
	fl := &fakeResponseListener{pongs: make(chan int64, 2)}
	c.SetServerListener(fl)

	before := c.lastPongAt.Load()

	c.dispatch(&livekit.SignalResponse{Message: &livekit.SignalResponse_PongResp{
		PongResp: &livekit.Pong{LastPingTimestamp: 1, Timestamp: 2},
	}})
	assert.Greater(t, c.lastPongAt.Load(), before)
	assert.Equal(t, int64(1), <-fl.pongs)

	c.dispatch(&livekit.SignalResponse{Message: &livekit.SignalResponse_Pong{Pong: 123}})
	select {
	case ts := <-fl.pongs:
		assert.Equal(t, int64(123), ts)
	case <-time.After(time.Second):
		t.Fatal("deprecated scalar pong did not reach OnPong")
	}
}

type fakeResponseListener struct {
	pongs chan int64
}

func (f *fakeResponseListener) OnJoin(*livekit.JoinResponse)                               {}
func (f *fakeResponseListener) OnAnswer(*livekit.SessionDescription)                       {}
func (f *fakeResponseListener) OnOffer(*livekit.SessionDescription)                        {}
func (f *fakeResponseListener) OnTrickle(*livekit.TrickleRequest)                          {}
func (f *fakeResponseListener) OnParticipantUpdate(*livekit.ParticipantUpdate)             {}
func (f *fakeResponseListener) OnTrackPublished(*livekit.TrackPublishedResponse)           {}
func (f *fakeResponseListener) OnTrackUnpublished(*livekit.TrackUnpublishedResponse)       {}
func (f *fakeResponseListener) OnLeave(*livekit.LeaveRequest)                              {}
func (f *fakeResponseListener) OnReconnect(*livekit.ReconnectResponse)                     {}
func (f *fakeResponseListener) OnRefreshToken(string)                                      {}
func (f *fakeResponseListener) OnPong(lastPingTimestamp, rtt int64)                        { f.pongs <- lastPingTimestamp }
func (f *fakeResponseListener) OnUnhandled(*livekit.SignalResponse)                        {}
func (f *fakeResponseListener) OnResponseParseError(error)                                 {}
