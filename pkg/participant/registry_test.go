package participant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/livekit"
)

type fakeListener struct {
	connected    []*RemoteParticipant
	updated      []*RemoteParticipant
	disconnected []string
}

func (f *fakeListener) OnParticipantConnected(p *RemoteParticipant) { f.connected = append(f.connected, p) }
func (f *fakeListener) OnParticipantUpdated(p *RemoteParticipant, changed []string) {
	f.updated = append(f.updated, p)
}
func (f *fakeListener) OnParticipantDisconnected(sid string) {
	f.disconnected = append(f.disconnected, sid)
}

// TestApplyUpdateOutOfOrderVersions verifies invariant 2 from spec.md §8:
// applying two updates for the same sid in either order converges to the
// result of applying only the newer one.
func TestApplyUpdateOutOfOrderVersions(t *testing.T) {
	older := &livekit.ParticipantInfo{Sid: "P1", Metadata: "old"}
	newer := &livekit.ParticipantInfo{Sid: "P1", Metadata: "new"}
	v1 := TimedVersion{UnixMicro: 100, Ticks: 0}
	v2 := TimedVersion{UnixMicro: 200, Ticks: 0}

	r1 := NewRegistry(nil)
	r1.ApplyUpdate(older, v1)
	r1.ApplyUpdate(newer, v2)

	r2 := NewRegistry(nil)
	r2.ApplyUpdate(newer, v2)
	r2.ApplyUpdate(older, v1)

	p1, ok := r1.RemoteParticipant("P1")
	require.True(t, ok)
	p2, ok := r2.RemoteParticipant("P1")
	require.True(t, ok)

	assert.Equal(t, "new", p1.Info.Metadata)
	assert.Equal(t, p1.Info.Metadata, p2.Info.Metadata)
}

func TestApplyUpdateDisconnectRemoves(t *testing.T) {
	r := NewRegistry(nil)
	listener := &fakeListener{}
	r.AddListener(listener)

	r.ApplyUpdate(&livekit.ParticipantInfo{Sid: "P1"}, TimedVersion{})
	require.Len(t, listener.connected, 1)

	r.ApplyUpdate(&livekit.ParticipantInfo{Sid: "P1", State: livekit.ParticipantInfo_DISCONNECTED}, TimedVersion{})
	_, ok := r.RemoteParticipant("P1")
	assert.False(t, ok)
	assert.Equal(t, []string{"P1"}, listener.disconnected)
}

func TestBootstrapMaterializesOtherParticipants(t *testing.T) {
	r := NewRegistry(nil)
	listener := &fakeListener{}
	r.AddListener(listener)

	r.Bootstrap([]*livekit.ParticipantInfo{{Sid: "P1"}, {Sid: "P2"}})
	assert.Len(t, r.RemoteParticipants(), 2)
	assert.Len(t, listener.connected, 2)
}

func TestPublishLifecycle(t *testing.T) {
	r := NewRegistry(nil)
	cid := r.BeginPublish()
	assert.False(t, r.IsLive(cid))

	r.AckPublish(cid, "TR_1")
	assert.False(t, r.IsLive(cid))

	r.MarkNegotiated(cid)
	assert.True(t, r.IsLive(cid))
}
