package wire

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Message type names. Every on-the-wire message is a map with keys "type"
// and "payload"; the payload shape depends on the type.
const (
	TypeVersion  = "version"
	TypeWelcome  = "welcome"
	TypeMetadata = "metadata"
	TypeRecord   = "record"
	TypeStatus   = "status"
	TypeFinish   = "finish"
)

// ErrInvalidMessage signals a message that fails strict shape validation:
// unknown type, missing key, extra key, or wrong value kind.
var ErrInvalidMessage = errors.New("invalid message")

// Message is a validated protocol message. Payload holds the typed payload
// for the message type: VersionPayload, WelcomePayload, MetadataPayload,
// RecordPayload, StatusPayload, or nil for finish.
type Message struct {
	Type    string
	Payload any
}

// VersionPayload opens the handshake.
type VersionPayload struct {
	Major int
	Minor int
}

// WelcomePayload acknowledges the handshake and assigns the experiment id.
type WelcomePayload struct {
	InstanceID uuid.UUID
}

// MetadataPayload carries free-form string annotations.
type MetadataPayload map[string]string

// RecordPayload carries one timestamped batch of variable samples.
type RecordPayload struct {
	Timestamp time.Time
	Variables map[string]Scalar
}

// StatusPayload acknowledges metadata, record and finish messages. Info and
// Error are mutually exclusive; a non-nil Error implies Success is false.
type StatusPayload struct {
	Success bool
	Info    any
	Error   any
}

// ValidateMessage checks a decoded wire value against the message schema
// and returns the typed message.
func ValidateMessage(v any) (Message, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Message{}, fmt.Errorf("%w: not a map", ErrInvalidMessage)
	}
	if len(m) != 2 {
		return Message{}, fmt.Errorf("%w: want exactly type and payload keys", ErrInvalidMessage)
	}
	rawType, ok := m["type"]
	if !ok {
		return Message{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	mtype, ok := rawType.(string)
	if !ok {
		return Message{}, fmt.Errorf("%w: type is %T", ErrInvalidMessage, rawType)
	}
	payload, ok := m["payload"]
	if !ok {
		return Message{}, fmt.Errorf("%w: missing payload", ErrInvalidMessage)
	}

	switch mtype {
	case TypeVersion:
		p, err := validateVersion(payload)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: mtype, Payload: p}, nil
	case TypeWelcome:
		p, err := validateWelcome(payload)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: mtype, Payload: p}, nil
	case TypeMetadata:
		p, err := validateMetadata(payload)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: mtype, Payload: p}, nil
	case TypeRecord:
		p, err := validateRecord(payload)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: mtype, Payload: p}, nil
	case TypeStatus:
		p, err := validateStatus(payload)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: mtype, Payload: p}, nil
	case TypeFinish:
		if payload != nil {
			return Message{}, fmt.Errorf("%w: finish payload must be null", ErrInvalidMessage)
		}
		return Message{Type: mtype}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, mtype)
	}
}

// MakeMessage builds a Message from a type name and a typed payload,
// round-tripping it through validation so producers cannot emit invalid
// outbound messages.
func MakeMessage(mtype string, payload any) (Message, error) {
	wireForm := map[string]any{
		"type":    mtype,
		"payload": payloadWireForm(payload),
	}
	return ValidateMessage(wireForm)
}

// MarshalWire encodes the message to its canonical byte form.
func (m Message) MarshalWire() ([]byte, error) {
	return Encode(map[string]any{
		"type":    m.Type,
		"payload": payloadWireForm(m.Payload),
	})
}

func payloadWireForm(payload any) any {
	switch p := payload.(type) {
	case nil:
		return nil
	case VersionPayload:
		return map[string]any{"major": int64(p.Major), "minor": int64(p.Minor)}
	case WelcomePayload:
		return map[string]any{"instance_id": p.InstanceID}
	case MetadataPayload:
		out := make(map[string]any, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	case RecordPayload:
		vars := make(map[string]any, len(p.Variables))
		for name, val := range p.Variables {
			vars[name] = val.Value()
		}
		return map[string]any{"timestamp": p.Timestamp, "variables": vars}
	case StatusPayload:
		out := map[string]any{"success": p.Success}
		if p.Info != nil {
			out["info"] = p.Info
		}
		if p.Error != nil {
			out["error"] = p.Error
		}
		return out
	default:
		return payload
	}
}

func validateVersion(payload any) (VersionPayload, error) {
	m, ok := payload.(map[string]any)
	if !ok || len(m) != 2 {
		return VersionPayload{}, fmt.Errorf("%w: version wants {major, minor}", ErrInvalidMessage)
	}
	major, ok := asInt(m["major"])
	if !ok {
		return VersionPayload{}, fmt.Errorf("%w: version.major", ErrInvalidMessage)
	}
	minor, ok := asInt(m["minor"])
	if !ok {
		return VersionPayload{}, fmt.Errorf("%w: version.minor", ErrInvalidMessage)
	}
	return VersionPayload{Major: int(major), Minor: int(minor)}, nil
}

func validateWelcome(payload any) (WelcomePayload, error) {
	m, ok := payload.(map[string]any)
	if !ok || len(m) != 1 {
		return WelcomePayload{}, fmt.Errorf("%w: welcome wants {instance_id}", ErrInvalidMessage)
	}
	id, ok := m["instance_id"].(uuid.UUID)
	if !ok {
		return WelcomePayload{}, fmt.Errorf("%w: welcome.instance_id", ErrInvalidMessage)
	}
	return WelcomePayload{InstanceID: id}, nil
}

func validateMetadata(payload any) (MetadataPayload, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: metadata wants a string map", ErrInvalidMessage)
	}
	out := make(MetadataPayload, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: metadata value for %q is %T", ErrInvalidMessage, k, v)
		}
		out[k] = s
	}
	return out, nil
}

func validateRecord(payload any) (RecordPayload, error) {
	m, ok := payload.(map[string]any)
	if !ok || len(m) != 2 {
		return RecordPayload{}, fmt.Errorf("%w: record wants {timestamp, variables}", ErrInvalidMessage)
	}
	ts, ok := m["timestamp"].(time.Time)
	if !ok {
		return RecordPayload{}, fmt.Errorf("%w: record.timestamp", ErrInvalidMessage)
	}
	rawVars, ok := m["variables"].(map[string]any)
	if !ok {
		return RecordPayload{}, fmt.Errorf("%w: record.variables", ErrInvalidMessage)
	}
	vars := make(map[string]Scalar, len(rawVars))
	for name, raw := range rawVars {
		s, ok := ScalarOf(raw)
		if !ok {
			return RecordPayload{}, fmt.Errorf("%w: record variable %q is %T", ErrInvalidMessage, name, raw)
		}
		vars[name] = s
	}
	return RecordPayload{Timestamp: ts, Variables: vars}, nil
}

func validateStatus(payload any) (StatusPayload, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return StatusPayload{}, fmt.Errorf("%w: status wants a map", ErrInvalidMessage)
	}
	rawSuccess, ok := m["success"]
	if !ok {
		return StatusPayload{}, fmt.Errorf("%w: status.success missing", ErrInvalidMessage)
	}
	success, ok := rawSuccess.(bool)
	if !ok {
		return StatusPayload{}, fmt.Errorf("%w: status.success is %T", ErrInvalidMessage, rawSuccess)
	}

	out := StatusPayload{Success: success}
	for k, v := range m {
		switch k {
		case "success":
		case "info":
			out.Info = v
		case "error":
			out.Error = v
		default:
			return StatusPayload{}, fmt.Errorf("%w: status key %q", ErrInvalidMessage, k)
		}
	}
	if out.Info != nil && out.Error != nil {
		return StatusPayload{}, fmt.Errorf("%w: status carries both info and error", ErrInvalidMessage)
	}
	return out, nil
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case int:
		return int64(x), true
	default:
		return 0, false
	}
}
