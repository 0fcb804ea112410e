package e2ee

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/livekit-session/core/pkg/config"
)

// ErrKeyIndexOutOfRange and ErrUnknownParticipant are the KeyProvider's
// application-misuse sentinels (§7 taxonomy item 5: synchronous false/error,
// no listener notification).
var (
	ErrKeyIndexOutOfRange = errors.New("e2ee: key index out of range")
	ErrUnknownParticipant = errors.New("e2ee: no key ring for participant")
)

// keyRing is a fixed-size circular buffer of raw key bytes (§3 "Key material").
type keyRing struct {
	mu   sync.RWMutex
	keys [][]byte
}

func newKeyRing(size int) *keyRing {
	return &keyRing{keys: make([][]byte, size)}
}

func (k *keyRing) set(index int, key []byte) error {
	if index < 0 || index >= len(k.keys) {
		return ErrKeyIndexOutOfRange
	}
	k.mu.Lock()
	k.keys[index] = append([]byte(nil), key...)
	k.mu.Unlock()
	return nil
}

func (k *keyRing) get(index int) ([]byte, error) {
	if index < 0 || index >= len(k.keys) {
		return nil, ErrKeyIndexOutOfRange
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.keys[index] == nil {
		return nil, nil
	}
	return append([]byte(nil), k.keys[index]...), nil
}

func (k *keyRing) size() int {
	return len(k.keys)
}

// KeyProvider holds the shared key ring and one key ring per participant
// identity, plus the SIF trailer. Readers are the per-frame cryptor lookup;
// writers are set_*/ratchet_* (§5: reader-writer lock on the key ring).
//
// Per-participant rings are kept in an LRU so a very long-lived session
// (many participants joining and leaving) does not grow this map
// unboundedly — the teacher's go.mod already carries
// hashicorp/golang-lru/v2 for exactly this kind of bounded cache.
type KeyProvider struct {
	opts config.KeyProviderOptions

	mu         sync.RWMutex
	shared     *keyRing
	perPeer    *lru.Cache[string, *keyRing]
	sifTrailer []byte
}

const defaultParticipantCacheSize = 256

// NewKeyProvider constructs a provider from validated options.
func NewKeyProvider(opts config.KeyProviderOptions) (*KeyProvider, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	cache, err := lru.New[string, *keyRing](defaultParticipantCacheSize)
	if err != nil {
		return nil, err
	}
	return &KeyProvider{
		opts:       opts,
		shared:     newKeyRing(opts.KeyRingSize),
		perPeer:    cache,
		sifTrailer: append([]byte(nil), opts.UncryptedMagicBytes...),
	}, nil
}

func (p *KeyProvider) ringFor(identity string, create bool) (*keyRing, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ring, ok := p.perPeer.Get(identity); ok {
		return ring, nil
	}
	if !create {
		return nil, ErrUnknownParticipant
	}
	ring := newKeyRing(p.opts.KeyRingSize)
	p.perPeer.Add(identity, ring)
	return ring, nil
}

// SetSharedKey sets the shared ring's key at keyIndex (default 0).
func (p *KeyProvider) SetSharedKey(key []byte, keyIndex int) error {
	if !p.opts.SharedKey {
		return errors.New("e2ee: shared key mode is disabled")
	}
	return p.shared.set(keyIndex, key)
}

// SetKey sets a per-participant ring's key at keyIndex.
func (p *KeyProvider) SetKey(identity string, key []byte, keyIndex int) error {
	ring, err := p.ringFor(identity, true)
	if err != nil {
		return err
	}
	return ring.set(keyIndex, key)
}

// ratchet derives the next key via HKDF(previous, salt=ratchetSalt) per §4.7.
func (p *KeyProvider) ratchet(ring *keyRing, keyIndex int) ([]byte, error) {
	prev, err := ring.get(keyIndex)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, errors.New("e2ee: cannot ratchet an unset key")
	}

	next, err := hkdfDerive(prev, p.opts.RatchetSalt, len(prev))
	if err != nil {
		return nil, err
	}

	nextIndex := (keyIndex + 1) % ring.size()
	if err := ring.set(nextIndex, next); err != nil {
		return nil, err
	}
	return next, nil
}

// hkdfDerive mirrors ratchet_shared_key's "derive the next key using
// HKDF(previous_key, salt=ratchetSalt)" with SHA-256 as the hash, the same
// primitive choice the AES-GCM frame cryptor already assumes.
func hkdfDerive(previous, salt []byte, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, previous, salt, []byte("lk-e2ee-ratchet"))
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RatchetSharedKey advances the shared ring's key at keyIndex and returns
// the new bytes.
func (p *KeyProvider) RatchetSharedKey(keyIndex int) ([]byte, error) {
	return p.ratchet(p.shared, keyIndex)
}

// RatchetKey advances a per-participant ring's key at keyIndex.
func (p *KeyProvider) RatchetKey(identity string, keyIndex int) ([]byte, error) {
	ring, err := p.ringFor(identity, false)
	if err != nil {
		return nil, err
	}
	return p.ratchet(ring, keyIndex)
}

// ExportSharedKey and ExportKey are read-only accessors for the frame cryptor.
func (p *KeyProvider) ExportSharedKey(keyIndex int) ([]byte, error) {
	return p.shared.get(keyIndex)
}

func (p *KeyProvider) ExportKey(identity string, keyIndex int) ([]byte, error) {
	ring, err := p.ringFor(identity, false)
	if err != nil {
		return nil, err
	}
	return ring.get(keyIndex)
}

// SetSIFTrailer and SIFTrailer manage the server-injected-frame magic bytes.
func (p *KeyProvider) SetSIFTrailer(trailer []byte) {
	p.mu.Lock()
	p.sifTrailer = append([]byte(nil), trailer...)
	p.mu.Unlock()
}

func (p *KeyProvider) SIFTrailer() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]byte(nil), p.sifTrailer...)
}

// IsServerInjectedFrame reports whether plaintext's tail matches the SIF
// trailer, marking it as an unencrypted passthrough frame.
func (p *KeyProvider) IsServerInjectedFrame(plaintext []byte) bool {
	trailer := p.SIFTrailer()
	if len(trailer) == 0 || len(plaintext) < len(trailer) {
		return false
	}
	return bytes.Equal(plaintext[len(plaintext)-len(trailer):], trailer)
}

// RatchetWindowSize and FailureTolerance expose the policy knobs from §4.7
// ("Ratchet policy") to the frame cryptor.
func (p *KeyProvider) RatchetWindowSize() int { return p.opts.RatchetWindowSize }
func (p *KeyProvider) FailureTolerance() int  { return p.opts.FailureTolerance }
