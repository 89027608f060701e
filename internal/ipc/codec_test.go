package ipc

import (
	"testing"

	"github.com/ChuLiYu/relaypool/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	msg := types.BroadcastMessage{
		Kind:      types.KindBroadcastRelay,
		FromID:    4242,
		Payload:   "ping",
		Timestamp: 1760000000123,
	}

	env, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(env)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestEncode_RejectsUnknownKind(t *testing.T) {
	_, err := Encode(types.BroadcastMessage{Kind: "gossip"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecode_UnknownKindKeepsTag(t *testing.T) {
	env, err := structpb.NewStruct(map[string]interface{}{
		"kind":    "gossip",
		"fromId":  1,
		"payload": "x",
	})
	require.NoError(t, err)

	msg, err := Decode(env)
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Equal(t, types.MessageKind("gossip"), msg.Kind)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]interface{}
	}{
		{"missing kind", map[string]interface{}{"fromId": 1, "payload": "x"}},
		{"kind not a string", map[string]interface{}{"kind": 7, "fromId": 1, "payload": "x"}},
		{"missing fromId", map[string]interface{}{"kind": "broadcast", "payload": "x"}},
		{"missing payload", map[string]interface{}{"kind": "broadcast", "fromId": 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := structpb.NewStruct(tt.fields)
			require.NoError(t, err)

			_, err = Decode(env)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestDecode_TimestampOptional(t *testing.T) {
	env, err := structpb.NewStruct(map[string]interface{}{
		"kind":    "broadcast",
		"fromId":  9,
		"payload": "hello",
	})
	require.NoError(t, err)

	msg, err := Decode(env)
	require.NoError(t, err)
	assert.Equal(t, types.NewBroadcast(9, "hello"), msg)
}
