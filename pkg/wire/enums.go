package wire

import (
	"github.com/livekit/protocol/livekit"
)

// TrackType mirrors livekit.TrackType without leaking the protobuf enum
// into the rest of the core.
type TrackType int

const (
	TrackTypeUnknown TrackType = iota
	TrackTypeAudio
	TrackTypeVideo
	TrackTypeData
)

func TrackTypeFromProto(t livekit.TrackType) TrackType {
	switch t {
	case livekit.TrackType_AUDIO:
		return TrackTypeAudio
	case livekit.TrackType_VIDEO:
		return TrackTypeVideo
	case livekit.TrackType_DATA:
		return TrackTypeData
	default:
		return TrackTypeUnknown
	}
}

func (t TrackType) ToProto() livekit.TrackType {
	switch t {
	case TrackTypeAudio:
		return livekit.TrackType_AUDIO
	case TrackTypeVideo:
		return livekit.TrackType_VIDEO
	case TrackTypeData:
		return livekit.TrackType_DATA
	default:
		return livekit.TrackType_AUDIO
	}
}

// TrackSource mirrors livekit.TrackSource.
type TrackSource int

const (
	TrackSourceUnknown TrackSource = iota
	TrackSourceCamera
	TrackSourceMicrophone
	TrackSourceScreenShare
	TrackSourceScreenShareAudio
)

func TrackSourceFromProto(s livekit.TrackSource) TrackSource {
	switch s {
	case livekit.TrackSource_CAMERA:
		return TrackSourceCamera
	case livekit.TrackSource_MICROPHONE:
		return TrackSourceMicrophone
	case livekit.TrackSource_SCREEN_SHARE:
		return TrackSourceScreenShare
	case livekit.TrackSource_SCREEN_SHARE_AUDIO:
		return TrackSourceScreenShareAudio
	default:
		return TrackSourceUnknown
	}
}

func (s TrackSource) ToProto() livekit.TrackSource {
	switch s {
	case TrackSourceCamera:
		return livekit.TrackSource_CAMERA
	case TrackSourceMicrophone:
		return livekit.TrackSource_MICROPHONE
	case TrackSourceScreenShare:
		return livekit.TrackSource_SCREEN_SHARE
	case TrackSourceScreenShareAudio:
		return livekit.TrackSource_SCREEN_SHARE_AUDIO
	default:
		return livekit.TrackSource_UNKNOWN
	}
}

// EncryptionType mirrors livekit.Encryption_Type.
type EncryptionType int

const (
	EncryptionNone EncryptionType = iota
	EncryptionGCM
	EncryptionCustom
)

func EncryptionTypeFromProto(e livekit.Encryption_Type) EncryptionType {
	switch e {
	case livekit.Encryption_GCM:
		return EncryptionGCM
	case livekit.Encryption_CUSTOM:
		return EncryptionCustom
	case livekit.Encryption_NONE:
		return EncryptionNone
	default:
		return EncryptionNone
	}
}

func (e EncryptionType) ToProto() livekit.Encryption_Type {
	switch e {
	case EncryptionGCM:
		return livekit.Encryption_GCM
	case EncryptionCustom:
		return livekit.Encryption_CUSTOM
	default:
		return livekit.Encryption_NONE
	}
}

// ConnectionQuality mirrors livekit.ConnectionQuality.
type ConnectionQuality int

const (
	ConnectionQualityLost ConnectionQuality = iota
	ConnectionQualityPoor
	ConnectionQualityGood
	ConnectionQualityExcellent
)

func ConnectionQualityFromProto(q livekit.ConnectionQuality) ConnectionQuality {
	switch q {
	case livekit.ConnectionQuality_POOR:
		return ConnectionQualityPoor
	case livekit.ConnectionQuality_GOOD:
		return ConnectionQualityGood
	case livekit.ConnectionQuality_EXCELLENT:
		return ConnectionQualityExcellent
	case livekit.ConnectionQuality_LOST:
		return ConnectionQualityLost
	default:
		return ConnectionQualityLost
	}
}

// ParticipantKind mirrors livekit.ParticipantInfo_Kind.
type ParticipantKind int

const (
	ParticipantKindStandard ParticipantKind = iota
	ParticipantKindIngress
	ParticipantKindEgress
	ParticipantKindSIP
	ParticipantKindAgent
)

func ParticipantKindFromProto(k livekit.ParticipantInfo_Kind) ParticipantKind {
	switch k {
	case livekit.ParticipantInfo_INGRESS:
		return ParticipantKindIngress
	case livekit.ParticipantInfo_EGRESS:
		return ParticipantKindEgress
	case livekit.ParticipantInfo_SIP:
		return ParticipantKindSIP
	case livekit.ParticipantInfo_AGENT:
		return ParticipantKindAgent
	case livekit.ParticipantInfo_STANDARD:
		return ParticipantKindStandard
	default:
		return ParticipantKindStandard
	}
}

// ParticipantState mirrors livekit.ParticipantInfo_State.
type ParticipantState int

const (
	ParticipantStateJoining ParticipantState = iota
	ParticipantStateJoined
	ParticipantStateActive
	ParticipantStateDisconnected
)

func ParticipantStateFromProto(s livekit.ParticipantInfo_State) ParticipantState {
	switch s {
	case livekit.ParticipantInfo_JOINING:
		return ParticipantStateJoining
	case livekit.ParticipantInfo_JOINED:
		return ParticipantStateJoined
	case livekit.ParticipantInfo_ACTIVE:
		return ParticipantStateActive
	case livekit.ParticipantInfo_DISCONNECTED:
		return ParticipantStateDisconnected
	default:
		return ParticipantStateDisconnected
	}
}

// BackupCodecPolicy mirrors the three-valued livekit.BackupCodecPolicy,
// resolving the two-vs-three-variant ambiguity documented in spec.md §9 in
// favor of the wire enum (the form the current protocol actually uses).
type BackupCodecPolicy int

const (
	BackupCodecPolicyPreferRegression BackupCodecPolicy = iota
	BackupCodecPolicyRegression
	BackupCodecPolicySimulcast
)

func BackupCodecPolicyFromProto(p livekit.BackupCodecPolicy) BackupCodecPolicy {
	switch p {
	case livekit.BackupCodecPolicy_REGRESSION:
		return BackupCodecPolicyRegression
	case livekit.BackupCodecPolicy_SIMULCAST:
		return BackupCodecPolicySimulcast
	case livekit.BackupCodecPolicy_PREFER_REGRESSION:
		return BackupCodecPolicyPreferRegression
	default:
		return BackupCodecPolicyPreferRegression
	}
}

// IceTransportPolicy mirrors livekit.ICEConfig / IceTransportPolicy (§6).
type IceTransportPolicy int

const (
	IceTransportPolicyAll IceTransportPolicy = iota
	IceTransportPolicyNoHost
	IceTransportPolicyRelay
	IceTransportPolicyNone
)
