package participant

import (
	"sync"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/google/uuid"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"
)

// RemoteParticipant mirrors spec.md §3 "Remote participants": identity,
// state and permissions (via Info) and subscribed tracks keyed by sid.
// Connection quality is not tracked here.
type RemoteParticipant struct {
	Info    *livekit.ParticipantInfo
	Version TimedVersion
	Tracks  map[string]*livekit.TrackInfo // TrackSid -> descriptor
}

// Listener receives registry change notifications. Implementations must not
// block — the registry dispatches on the caller's goroutine (for
// server-pushed updates, the Signalling Client's read goroutine) and a slow
// listener would stall updates for every other listener in the snapshot.
type Listener interface {
	OnParticipantConnected(p *RemoteParticipant)
	OnParticipantUpdated(p *RemoteParticipant, changedFields []string)
	OnParticipantDisconnected(sid string)
}

// Registry reconciles server-pushed ParticipantUpdate events with local
// state (§4.5). The remote-participant map is the only large mutable
// structure here and is guarded by mu rather than confined to the session
// executor.
type Registry struct {
	mu                 sync.RWMutex
	local              *livekit.ParticipantInfo
	localSid           string
	remotes            *orderedmap.OrderedMap[string, *RemoteParticipant]
	pendingPublishes   map[string]*PendingPublish // ClientTrackId -> state
	listeners          []Listener
	logger             logger.Logger
}

// PendingPublish tracks a local track from publish request to live state,
// implementing the track-publication state machine in §4.5.
type PendingPublish struct {
	ClientTrackId string
	TrackSid      string
	Acked         bool // TrackPublishedResponse received
	Negotiated    bool // matching m-line applied in an answer
}

// Live reports whether both publish conditions in §4.5 step 5 are satisfied.
func (p *PendingPublish) Live() bool { return p.Acked && p.Negotiated }

func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		remotes:          orderedmap.NewOrderedMap[string, *RemoteParticipant](),
		pendingPublishes: make(map[string]*PendingPublish),
		logger:           log,
	}
}

func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *Registry) snapshotListeners() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Listener, len(r.listeners))
	copy(out, r.listeners)
	return out
}

// SetLocalParticipant installs the JoinResponse-assigned local participant
// (§3 "Local participant").
func (r *Registry) SetLocalParticipant(info *livekit.ParticipantInfo) {
	r.mu.Lock()
	r.local = info
	r.localSid = info.Sid
	r.mu.Unlock()
}

func (r *Registry) LocalParticipant() *livekit.ParticipantInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local
}

// Bootstrap materializes JoinResponse.other_participants as remote
// participants before any offer arrives, per §4.4 join-protocol step 5.
func (r *Registry) Bootstrap(others []*livekit.ParticipantInfo) {
	for _, info := range others {
		r.mu.Lock()
		rp := &RemoteParticipant{Info: info, Tracks: tracksBySid(info)}
		r.remotes.Set(info.Sid, rp)
		r.mu.Unlock()

		for _, l := range r.snapshotListeners() {
			l.OnParticipantConnected(rp)
		}
	}
}

func tracksBySid(info *livekit.ParticipantInfo) map[string]*livekit.TrackInfo {
	out := make(map[string]*livekit.TrackInfo, len(info.Tracks))
	for _, t := range info.Tracks {
		out[t.Sid] = t
	}
	return out
}

// ApplyUpdate runs the apply-update algorithm from §4.5 for a single entry
// of ParticipantUpdate._participants. version is the entry's TimedVersion
// (zero value if the server did not send one, in which case ordering falls
// back to "always newer").
func (r *Registry) ApplyUpdate(entry *livekit.ParticipantInfo, version TimedVersion) {
	if entry.Sid == r.localParticipantSid() {
		return
	}

	r.mu.Lock()
	existing, known := r.remotes.Get(entry.Sid)
	if known && !version.IsZero() && !version.After(existing.Version) && version.Compare(existing.Version) != 0 {
		// strictly older than currently stored version: discard.
		r.mu.Unlock()
		return
	}

	if entry.State == livekit.ParticipantInfo_DISCONNECTED {
		r.remotes.Delete(entry.Sid)
		r.mu.Unlock()
		for _, l := range r.snapshotListeners() {
			l.OnParticipantDisconnected(entry.Sid)
		}
		return
	}

	if !known {
		rp := &RemoteParticipant{Info: entry, Version: version, Tracks: tracksBySid(entry)}
		r.remotes.Set(entry.Sid, rp)
		r.mu.Unlock()
		for _, l := range r.snapshotListeners() {
			l.OnParticipantConnected(rp)
		}
		return
	}

	changed := diffFields(existing.Info, entry)
	existing.Info = entry
	existing.Version = version
	existing.Tracks = tracksBySid(entry)
	r.mu.Unlock()

	if len(changed) > 0 {
		for _, l := range r.snapshotListeners() {
			l.OnParticipantUpdated(existing, changed)
		}
	}
}

func diffFields(old, updated *livekit.ParticipantInfo) []string {
	var changed []string
	if old.Metadata != updated.Metadata {
		changed = append(changed, "metadata")
	}
	if old.Permission.String() != updated.Permission.String() {
		changed = append(changed, "permission")
	}
	if old.State != updated.State {
		changed = append(changed, "state")
	}
	if len(old.Attributes) != len(updated.Attributes) {
		changed = append(changed, "attributes")
	} else {
		for k, v := range updated.Attributes {
			if old.Attributes[k] != v {
				changed = append(changed, "attributes")
				break
			}
		}
	}
	if len(old.Tracks) != len(updated.Tracks) {
		changed = append(changed, "tracks")
	}
	return changed
}

func (r *Registry) localParticipantSid() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localSid
}

func (r *Registry) RemoteParticipant(sid string) (*RemoteParticipant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.remotes.Get(sid)
}

// RemoteParticipants returns a stable-order snapshot of currently known
// remote participants.
func (r *Registry) RemoteParticipants() []*RemoteParticipant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RemoteParticipant, 0, r.remotes.Len())
	for el := r.remotes.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// BeginPublish registers a locally generated ClientTrackId ahead of sending
// AddTrackRequest (§4.5 track-publication step 1).
func (r *Registry) BeginPublish() string {
	cid := uuid.NewString()
	r.mu.Lock()
	r.pendingPublishes[cid] = &PendingPublish{ClientTrackId: cid}
	r.mu.Unlock()
	return cid
}

// AckPublish binds cid -> sid on TrackPublishedResponse (§4.5 step 3).
func (r *Registry) AckPublish(cid, sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pendingPublishes[cid]; ok {
		p.TrackSid = sid
		p.Acked = true
	}
}

// MarkNegotiated records that the publisher's m-line for this track has been
// applied (§4.5 step 5's second condition).
func (r *Registry) MarkNegotiated(cid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pendingPublishes[cid]; ok {
		p.Negotiated = true
	}
}

// IsLive reports whether the publish for cid satisfies both conditions of
// §4.5 step 5.
func (r *Registry) IsLive(cid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pendingPublishes[cid]
	return ok && p.Live()
}
