// Package wire implements the bidirectional mapping between the LiveKit
// signalling wire schema (protobuf SignalRequest/SignalResponse/DataPacket)
// and the value types the rest of the core operates on.
//
// Inbound binary frames are never sniffed: the caller tells the decoder
// which schema a frame belongs to (control channel -> SignalResponse,
// data channel -> DataPacket), per the ambiguous-frame rule.
package wire

import (
	"encoding/json"

	"google.golang.org/protobuf/proto"

	"github.com/livekit/protocol/livekit"

	"github.com/pkg/errors"
)

// ParseError wraps a protobuf unmarshal failure so callers can distinguish
// it from transport-level errors without inspecting error strings.
type ParseError struct {
	Schema string
	Cause  error
}

func (e *ParseError) Error() string {
	return "wire: could not decode " + e.Schema + ": " + e.Cause.Error()
}

func (e *ParseError) Unwrap() error { return e.Cause }

// Encode serializes a SignalRequest. Per §4.1, an encoder failure never
// propagates to the caller as a panic or surfaces a half-written buffer: it
// is logged by the caller (the signalling client) and treated as an empty
// send, so the caller can decide whether to retry or drop the request.
func Encode(req *livekit.SignalRequest) ([]byte, error) {
	b, err := proto.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "wire: encode SignalRequest")
	}
	return b, nil
}

// DecodeResponse decodes a frame received on the WebSocket control channel.
// Control-channel frames are always SignalResponse; callers must not also
// try DecodeDataPacket on the same bytes.
func DecodeResponse(payload []byte) (*livekit.SignalResponse, error) {
	msg := &livekit.SignalResponse{}
	if err := proto.Unmarshal(payload, msg); err != nil {
		return nil, &ParseError{Schema: "SignalResponse", Cause: err}
	}
	return msg, nil
}

// DecodeDataPacket decodes a frame received on a WebRTC data channel.
// Data-channel frames are always DataPacket.
func DecodeDataPacket(payload []byte) (*livekit.DataPacket, error) {
	msg := &livekit.DataPacket{}
	if err := proto.Unmarshal(payload, msg); err != nil {
		return nil, &ParseError{Schema: "DataPacket", Cause: err}
	}
	return msg, nil
}

// EncodeDataPacket serializes a DataPacket for a data-channel send.
func EncodeDataPacket(dp *livekit.DataPacket) ([]byte, error) {
	b, err := proto.Marshal(dp)
	if err != nil {
		return nil, errors.Wrap(err, "wire: encode DataPacket")
	}
	return b, nil
}

// TrickleCandidateInit is the JSON shape embedded in TrickleRequest.candidateInit.
// Field names and casing are part of the wire contract (§6) and must match
// exactly what browsers/native clients emit.
type TrickleCandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           string  `json:"sdpMid"`
	SDPMLineIndex    int     `json:"sdpMLineIndex"`
	UsernameFragment *string `json:"usernameFragment"`
}

// EncodeTrickleCandidate builds the candidateInit JSON blob for a TrickleRequest.
// usernameFragment is emitted as JSON null when absent, never omitted.
func EncodeTrickleCandidate(candidate, sdpMid string, sdpMLineIndex int, usernameFragment *string) (string, error) {
	init := TrickleCandidateInit{
		Candidate:        candidate,
		SDPMid:           sdpMid,
		SDPMLineIndex:    sdpMLineIndex,
		UsernameFragment: usernameFragment,
	}
	b, err := json.Marshal(init)
	if err != nil {
		return "", errors.Wrap(err, "wire: encode trickle candidateInit")
	}
	return string(b), nil
}

// DecodeTrickleCandidate parses a candidateInit JSON blob. A missing
// usernameFragment is tolerated and decodes to nil.
func DecodeTrickleCandidate(candidateInit string) (TrickleCandidateInit, error) {
	var init TrickleCandidateInit
	if err := json.Unmarshal([]byte(candidateInit), &init); err != nil {
		return TrickleCandidateInit{}, errors.Wrap(err, "wire: decode trickle candidateInit")
	}
	return init, nil
}

// NewTrickleRequest builds a TrickleRequest for the given target, embedding
// the candidateInit JSON per the wire contract.
func NewTrickleRequest(target livekit.SignalTarget, candidate, sdpMid string, sdpMLineIndex int, usernameFragment *string, final bool) (*livekit.SignalRequest, error) {
	blob, err := EncodeTrickleCandidate(candidate, sdpMid, sdpMLineIndex, usernameFragment)
	if err != nil {
		return nil, err
	}
	return &livekit.SignalRequest{
		Message: &livekit.SignalRequest_Trickle{
			Trickle: &livekit.TrickleRequest{
				CandidateInit: blob,
				Target:        target,
				Final:         final,
			},
		},
	}, nil
}
