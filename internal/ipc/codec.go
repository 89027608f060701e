package ipc

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/relaypool/pkg/types"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrUnknownKind is returned for envelopes whose kind tag is not recognised.
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrMalformedMessage is returned for envelopes missing required fields.
	ErrMalformedMessage = errors.New("malformed message")
)

// Envelope field names.
const (
	fieldKind      = "kind"
	fieldFromID    = "fromId"
	fieldPayload   = "payload"
	fieldTimestamp = "timestamp"
)

// Encode converts msg into its wire envelope.
func Encode(msg types.BroadcastMessage) (*structpb.Struct, error) {
	if !msg.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}
	return structpb.NewStruct(map[string]interface{}{
		fieldKind:      string(msg.Kind),
		fieldFromID:    int64(msg.FromID),
		fieldPayload:   msg.Payload,
		fieldTimestamp: msg.Timestamp,
	})
}

// Decode converts a wire envelope back into a message. For an unrecognised
// kind the returned message still carries the raw kind so callers can log
// it, and the error wraps ErrUnknownKind.
func Decode(env *structpb.Struct) (types.BroadcastMessage, error) {
	fields := env.GetFields()

	kindVal, ok := fields[fieldKind].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return types.BroadcastMessage{}, fmt.Errorf("%w: missing %s", ErrMalformedMessage, fieldKind)
	}
	msg := types.BroadcastMessage{Kind: types.MessageKind(kindVal.StringValue)}
	if !msg.Kind.Valid() {
		return msg, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}

	from, ok := fields[fieldFromID].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return msg, fmt.Errorf("%w: missing %s", ErrMalformedMessage, fieldFromID)
	}
	payload, ok := fields[fieldPayload].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return msg, fmt.Errorf("%w: missing %s", ErrMalformedMessage, fieldPayload)
	}

	msg.FromID = types.WorkerID(from.NumberValue)
	msg.Payload = payload.StringValue
	if ts, ok := fields[fieldTimestamp].GetKind().(*structpb.Value_NumberValue); ok {
		msg.Timestamp = int64(ts.NumberValue)
	}
	return msg, nil
}
