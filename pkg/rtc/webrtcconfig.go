package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/livekit-session/core/pkg/wire"
)

// RTCPFeedbackConfig lists the RTCP feedback mechanisms advertised per media
// kind. Grounded on the teacher's pkg/config DirectionConfig, now owned by
// the client since there is no server-side forwarding concern left to share
// it with.
type RTCPFeedbackConfig struct {
	Audio []webrtc.RTCPFeedback
	Video []webrtc.RTCPFeedback
}

// RTPHeaderExtensionConfig lists header extension URIs registered per kind.
type RTPHeaderExtensionConfig struct {
	Audio []string
	Video []string
}

// DirectionConfig bundles the feedback and header extension config consumed
// by createMediaEngine.
type DirectionConfig struct {
	RTCPFeedback       RTCPFeedbackConfig
	RTPHeaderExtension RTPHeaderExtensionConfig

	// BackupCodecPolicy decides how createMediaEngine treats the codecs that
	// exist only to fall back from a primary one: Simulcast relies on extra
	// simulcast layers of the primary codec alone, so the audio RED backup
	// is skipped and VP8 gets no priority bump; Regression/PreferRegression
	// both want a backup on hand and register VP8 first among video codecs.
	BackupCodecPolicy wire.BackupCodecPolicy
}

// DefaultDirectionConfig mirrors the extension set the reference SDKs
// register: transport-wide-cc plus abs-send-time for video, audio-level for
// audio, and mid/rid for simulcast demux.
func DefaultDirectionConfig() DirectionConfig {
	return DirectionConfig{
		BackupCodecPolicy: wire.BackupCodecPolicyPreferRegression,
		RTCPFeedback: RTCPFeedbackConfig{
			Audio: []webrtc.RTCPFeedback{
				{Type: webrtc.TypeRTCPFBTransportCC},
			},
			Video: []webrtc.RTCPFeedback{
				{Type: webrtc.TypeRTCPFBGoogREMB},
				{Type: webrtc.TypeRTCPFBTransportCC},
				{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
				{Type: webrtc.TypeRTCPFBNACK},
				{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
			},
		},
		RTPHeaderExtension: RTPHeaderExtensionConfig{
			Audio: []string{
				"urn:ietf:params:rtp-hdrext:ssrc-audio-level",
				"http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01",
			},
			Video: []string{
				"http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time",
				"http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01",
				"urn:ietf:params:rtp-hdrext:sdes:mid",
				"urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id",
				"urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id",
			},
		},
	}
}
