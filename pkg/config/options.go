package config

import (
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/livekit-session/core/pkg/wire"
)

var (
	// ErrMissingRatchetSalt mirrors the teacher's style of exported sentinel
	// errors for config validation failures (pkg/config's ErrKeysNotSet).
	ErrMissingRatchetSalt = errors.New("config: ratchetSalt must be non-empty when E2EE is enabled")
	ErrInvalidKeyRingSize = errors.New("config: keyRingSize must be positive")
)

// ConnectOptions configures a single connect() call (§6, supplemented by
// original_source/include/ConnectOptions.h with reconnect/timeout fields the
// distilled spec only gestures at).
type ConnectOptions struct {
	AutoSubscribe  bool `yaml:"auto_subscribe"`
	AdaptiveStream bool `yaml:"adaptive_stream"`
	Reconnect      bool `yaml:"reconnect"`

	ReconnectAttempts     int           `yaml:"reconnect_attempts"`
	ReconnectAttemptDelay time.Duration `yaml:"reconnect_attempt_delay"`

	SocketConnectTimeout          time.Duration `yaml:"socket_connect_timeout"`
	PrimaryTransportConnectTimeout   time.Duration `yaml:"primary_transport_connect_timeout"`
	PublisherTransportConnectTimeout time.Duration `yaml:"publisher_transport_connect_timeout"`

	ICETransportPolicy wire.IceTransportPolicy
}

// DefaultConnectOptions mirrors ConnectOptions.h's field defaults.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		AutoSubscribe:                    true,
		ReconnectAttempts:                3,
		ReconnectAttemptDelay:            2 * time.Second,
		SocketConnectTimeout:             10 * time.Second,
		PrimaryTransportConnectTimeout:   10 * time.Second,
		PublisherTransportConnectTimeout: 10 * time.Second,
	}
}

// RoomOptions configures session-wide behaviour not tied to a single connect
// attempt (§8 of original_source's RoomOptions.h: adaptiveStream, dynacast,
// and local-track lifecycle hints — device/UI specific fields like capture
// options are out of scope per spec.md §1's non-goals).
type RoomOptions struct {
	AdaptiveStream                    bool `yaml:"adaptive_stream"`
	Dynacast                          bool `yaml:"dynacast"`
	StopLocalTrackOnUnpublish         bool `yaml:"stop_local_track_on_unpublish"`
	SuspendLocalVideoInBackground     bool `yaml:"suspend_local_video_in_background"`
	ReportRemoteTrackStatistics       bool `yaml:"report_remote_track_statistics"`
}

func DefaultRoomOptions() RoomOptions {
	return RoomOptions{
		StopLocalTrackOnUnpublish:     true,
		SuspendLocalVideoInBackground: true,
	}
}

// KeyProviderOptions is the §3 "Key material" record.
type KeyProviderOptions struct {
	SharedKey           bool   `yaml:"shared_key"`
	RatchetSalt         []byte `yaml:"ratchet_salt"`
	RatchetWindowSize   int    `yaml:"ratchet_window_size"`
	KeyRingSize         int    `yaml:"key_ring_size"`
	FailureTolerance    int    `yaml:"failure_tolerance"`
	UncryptedMagicBytes []byte `yaml:"uncrypted_magic_bytes,omitempty"`
}

func DefaultKeyProviderOptions() KeyProviderOptions {
	return KeyProviderOptions{
		RatchetWindowSize: 8,
		KeyRingSize:       16,
		FailureTolerance:  10,
	}
}

// Validate applies the defaults documented in spec.md §3 and rejects
// configurations that would make ratcheting meaningless.
func (o *KeyProviderOptions) Validate() error {
	if o.RatchetWindowSize <= 0 {
		o.RatchetWindowSize = 8
	}
	if o.KeyRingSize <= 0 {
		return ErrInvalidKeyRingSize
	}
	if o.FailureTolerance <= 0 {
		o.FailureTolerance = 10
	}
	if len(o.RatchetSalt) == 0 {
		return ErrMissingRatchetSalt
	}
	return nil
}

// LoadRoomOptions reads a yaml.v3-encoded RoomOptions document, matching the
// teacher's gopkg.in/yaml.v3 config-loading convention.
func LoadRoomOptions(data []byte) (RoomOptions, error) {
	opts := DefaultRoomOptions()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return RoomOptions{}, errors.Wrap(err, "config: parse room options")
	}
	return opts, nil
}
