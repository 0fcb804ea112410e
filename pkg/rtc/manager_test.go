package rtc

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(ManagerParams{
		Configuration:         webrtc.Configuration{},
		DirectionConfig:       DefaultDirectionConfig(),
		Logger:                logger.GetLogger(),
		ReconnectAttempts:     3,
		ReconnectAttemptDelay: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// TestSendDataBeforeChannelOpenErrors checks the not-yet-open branch of
// SendData, distinct from the backpressure branch.
func TestSendDataBeforeChannelOpenErrors(t *testing.T) {
	m := newTestManager(t)
	err := m.SendData([]byte("hi"), true)
	assert.Error(t, err)
}

// TestReconnectResumeKeepsTransports verifies the Resume branch of §4.3's
// Resume/Reconnect distinction: the same PCTransport pointers survive.
func TestReconnectResumeKeepsTransports(t *testing.T) {
	m := newTestManager(t)
	m.mu.RLock()
	pub, sub := m.publisher, m.subscriber
	m.mu.RUnlock()

	require.NoError(t, m.Reconnect(ReconnectModeResume, nil))

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.Same(t, pub, m.publisher)
	assert.Same(t, sub, m.subscriber)
}

// TestReconnectFullRecreatesTransports verifies the Reconnect branch: both
// PCTransports are replaced with freshly created ones.
func TestReconnectFullRecreatesTransports(t *testing.T) {
	m := newTestManager(t)
	m.mu.RLock()
	pub, sub := m.publisher, m.subscriber
	m.mu.RUnlock()

	require.NoError(t, m.Reconnect(ReconnectModeFull, &webrtc.Configuration{}))

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.NotSame(t, pub, m.publisher)
	assert.NotSame(t, sub, m.subscriber)
}

// TestRetryWithBackoffStopsOnFirstSuccess ensures fn is not retried once it
// succeeds, and that the attempt index is passed through correctly.
func TestRetryWithBackoffStopsOnFirstSuccess(t *testing.T) {
	m := newTestManager(t)
	var attempts []int
	err := m.RetryWithBackoff(func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt == 1 {
			return nil
		}
		return errors.New("not yet")
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, attempts)
}

// TestRetryWithBackoffReturnsLastErrorAfterExhaustion checks that all
// configured attempts run before giving up.
func TestRetryWithBackoffReturnsLastErrorAfterExhaustion(t *testing.T) {
	m := newTestManager(t)
	calls := 0
	err := m.RetryWithBackoff(func(attempt int) error {
		calls++
		return errors.New("attempt failed")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}
