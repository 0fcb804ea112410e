package datachannel

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/livekit/protocol/livekit"
)

// maxBufferedChunksPerStream bounds the out-of-order buffer (§4.6 bounded
// window): a chunk is buffered only if its index is less than this many
// places ahead of the next expected index. Chunks that arrive before their
// stream's header are not buffered at all.
const maxBufferedChunksPerStream = 64

// maxOpenStreams bounds the number of concurrently assembling streams so a
// peer cannot force unbounded memory growth by opening headers it never
// completes; evicted streams are dropped without notice, as are chunks
// outside the buffering window.
const maxOpenStreams = 128

type openStream struct {
	mu          sync.Mutex
	header      *livekit.DataStream_Header
	chunks      map[uint64][]byte
	nextIndex   uint64
	accumulated uint64
}

// streamAssembler reassembles DataStream.Header/Chunk/Trailer sequences into
// completed payloads (§4.6 "Stream assembly invariants").
type streamAssembler struct {
	mu      sync.Mutex
	streams *lru.Cache[string, *openStream]
}

func newStreamAssembler() *streamAssembler {
	cache, _ := lru.New[string, *openStream](maxOpenStreams)
	return &streamAssembler{streams: cache}
}

func (s *streamAssembler) onHeader(h *livekit.DataStream_Header, listener Listener) {
	s.mu.Lock()
	s.streams.Add(h.StreamId, &openStream{
		header: h,
		chunks: make(map[uint64][]byte),
	})
	s.mu.Unlock()
	listener.OnStreamStarted(h.StreamId, h)
}

func (s *streamAssembler) onChunk(c *livekit.DataStream_Chunk, listener Listener) {
	s.mu.Lock()
	st, ok := s.streams.Get(c.StreamId)
	s.mu.Unlock()
	if !ok {
		// Chunk arrived before its header: nothing to buffer it against
		// since the stream isn't open yet; per §4.6 this case is dropped.
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if _, dup := st.chunks[c.ChunkIndex]; dup {
		return
	}
	if c.ChunkIndex < st.nextIndex {
		return
	}
	if c.ChunkIndex >= st.nextIndex+maxBufferedChunksPerStream {
		return
	}

	st.chunks[c.ChunkIndex] = c.Content
	st.accumulated += uint64(len(c.Content))

	for {
		chunk, ok := st.chunks[st.nextIndex]
		if !ok {
			break
		}
		_ = chunk
		st.nextIndex++
	}
}

func (s *streamAssembler) onTrailer(t *livekit.DataStream_Trailer, listener Listener) {
	s.mu.Lock()
	st, ok := s.streams.Get(t.StreamId)
	if ok {
		s.streams.Remove(t.StreamId)
	}
	s.mu.Unlock()
	if !ok {
		// Trailer without a header: ignored per §4.6.
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.header.TotalLength != nil && st.accumulated != *st.header.TotalLength {
		listener.OnStreamLengthMismatch(t.StreamId)
		return
	}

	payload := make([]byte, 0, st.accumulated)
	for i := uint64(0); i < uint64(len(st.chunks)); i++ {
		chunk, ok := st.chunks[i]
		if !ok {
			break
		}
		payload = append(payload, chunk...)
	}
	listener.OnStreamCompleted(t.StreamId, payload)
}
