package wire

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// throughWire encodes a message and decodes it back, the way it travels
// between client and server.
func throughWire(t *testing.T, msg Message) Message {
	t.Helper()

	data, err := msg.MarshalWire()
	require.NoError(t, err)

	var d Decoder
	d.Push(data)
	v, err := d.Next()
	require.NoError(t, err)

	out, err := ValidateMessage(v)
	require.NoError(t, err)
	return out
}

func TestVersionMessage(t *testing.T) {
	out := throughWire(t, Message{
		Type:    TypeVersion,
		Payload: VersionPayload{Major: 1, Minor: 0},
	})
	assert.Equal(t, TypeVersion, out.Type)
	assert.Equal(t, VersionPayload{Major: 1, Minor: 0}, out.Payload)
}

func TestWelcomeMessage(t *testing.T) {
	id := uuid.New()
	out := throughWire(t, Message{
		Type:    TypeWelcome,
		Payload: WelcomePayload{InstanceID: id},
	})
	assert.Equal(t, WelcomePayload{InstanceID: id}, out.Payload)
}

func TestMetadataMessage(t *testing.T) {
	out := throughWire(t, Message{
		Type:    TypeMetadata,
		Payload: MetadataPayload{"operator": "jdoe", "rig": "bench-3"},
	})
	assert.Equal(t, MetadataPayload{"operator": "jdoe", "rig": "bench-3"}, out.Payload)
}

func TestRecordMessage(t *testing.T) {
	ts := time.Date(2023, 4, 12, 9, 30, 15, 0, time.UTC)
	out := throughWire(t, Message{
		Type: TypeRecord,
		Payload: RecordPayload{
			Timestamp: ts,
			Variables: map[string]Scalar{
				"temperature": FloatScalar(21.5),
				"iteration":   IntScalar(12),
				"converged":   BoolScalar(true),
			},
		},
	})

	p := out.Payload.(RecordPayload)
	assert.WithinDuration(t, ts, p.Timestamp, time.Microsecond)
	assert.Equal(t, FloatScalar(21.5), p.Variables["temperature"])
	assert.Equal(t, IntScalar(12), p.Variables["iteration"])
	assert.Equal(t, BoolScalar(true), p.Variables["converged"])
}

func TestRecordMessageNoVariables(t *testing.T) {
	out := throughWire(t, Message{
		Type: TypeRecord,
		Payload: RecordPayload{
			Timestamp: time.Now().UTC(),
			Variables: map[string]Scalar{},
		},
	})
	assert.Empty(t, out.Payload.(RecordPayload).Variables)
}

func TestStatusMessages(t *testing.T) {
	ok := throughWire(t, Message{
		Type:    TypeStatus,
		Payload: StatusPayload{Success: true, Info: map[string]any{"recorded": int64(3)}},
	})
	p := ok.Payload.(StatusPayload)
	assert.True(t, p.Success)
	assert.Equal(t, map[string]any{"recorded": int64(3)}, p.Info)
	assert.Nil(t, p.Error)

	failed := throughWire(t, Message{
		Type:    TypeStatus,
		Payload: StatusPayload{Success: false, Error: "Invalid message."},
	})
	p = failed.Payload.(StatusPayload)
	assert.False(t, p.Success)
	assert.Equal(t, "Invalid message.", p.Error)
}

func TestFinishMessage(t *testing.T) {
	out := throughWire(t, Message{Type: TypeFinish})
	assert.Equal(t, TypeFinish, out.Type)
	assert.Nil(t, out.Payload)
}

func TestValidateRejects(t *testing.T) {
	ts := time.Now().UTC()
	cases := map[string]any{
		"not a map":        "version",
		"missing payload":  map[string]any{"type": "finish"},
		"missing type":     map[string]any{"payload": nil, "extra": nil},
		"extra top key":    map[string]any{"type": "finish", "payload": nil, "x": int64(1)},
		"unknown type":     map[string]any{"type": "snapshot", "payload": nil},
		"type not string":  map[string]any{"type": int64(3), "payload": nil},
		"finish with body": map[string]any{"type": "finish", "payload": map[string]any{}},
		"version missing minor": map[string]any{
			"type": "version", "payload": map[string]any{"major": int64(1)},
		},
		"version major not int": map[string]any{
			"type": "version", "payload": map[string]any{"major": "one", "minor": int64(0)},
		},
		"metadata non-string value": map[string]any{
			"type": "metadata", "payload": map[string]any{"runs": int64(4)},
		},
		"record missing timestamp": map[string]any{
			"type": "record", "payload": map[string]any{"variables": map[string]any{}},
		},
		"record string variable": map[string]any{
			"type": "record", "payload": map[string]any{
				"timestamp": ts, "variables": map[string]any{"label": "red"},
			},
		},
		"status without success": map[string]any{
			"type": "status", "payload": map[string]any{"info": map[string]any{}},
		},
		"status info and error": map[string]any{
			"type": "status", "payload": map[string]any{
				"success": false, "info": "i", "error": "e",
			},
		},
		"status unknown key": map[string]any{
			"type": "status", "payload": map[string]any{"success": true, "detail": "x"},
		},
	}

	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ValidateMessage(v)
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestMakeMessage(t *testing.T) {
	msg, err := MakeMessage(TypeVersion, VersionPayload{Major: 1, Minor: 0})
	require.NoError(t, err)
	assert.Equal(t, VersionPayload{Major: 1, Minor: 0}, msg.Payload)

	_, err = MakeMessage("snapshot", nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}
