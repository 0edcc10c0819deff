// Package protocol implements LatZero's framed wire protocol: message kinds,
// per-kind schema validation, and the length-prefixed frame codec described
// in spec.md §4.2 and §6. It is transport-agnostic; internal/transport calls
// into it to turn byte streams into Messages and back.
package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Kind identifies a message's role on the wire.
type Kind string

const (
	KindHandshake    Kind = "handshake"
	KindHandshakeAck Kind = "handshake_ack"
	KindTrigger      Kind = "trigger"
	KindResponse     Kind = "response"
	KindEmit         Kind = "emit"
	KindError        Kind = "error"
	KindMemory       Kind = "memory"
	KindAdmin        Kind = "admin"
	KindBinaryFrame  Kind = "binary_frame"
)

// ProtocolVersion is the wire protocol version string advertised at
// handshake, per spec.md §6.
const ProtocolVersion = "0.1.0"

// uuidPattern matches the conventional 8-4-4-4-12 hex UUID form required of
// every message id.
var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ValidUUID reports whether s is a conventionally formatted UUID.
func ValidUUID(s string) bool {
	return uuidPattern.MatchString(s)
}

// NewID returns a fresh random UUID in the wire's conventional form.
func NewID() string {
	return uuid.New().String()
}

// Message is the normalized, parsed form of any frame payload. Fields are a
// superset across kinds; Kind determines which are populated. Duck-typed
// input synonyms (spec.md §9: trigger/process, correlation_id/in_reply_to)
// are normalized here on first parse.
type Message struct {
	Type Kind `json:"type"`

	// Identification / correlation.
	ID            string `json:"id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	// handshake / handshake_ack
	AppID           string            `json:"app_id,omitempty"`
	Pools           []string          `json:"pools,omitempty"`
	Triggers        []string          `json:"triggers,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ProtocolVersion string            `json:"protocol_version,omitempty"`
	Status          string            `json:"status,omitempty"`
	Assigned        *Assigned         `json:"assigned,omitempty"`

	// trigger / response / emit
	Origin      string          `json:"origin,omitempty"`
	Trigger     string          `json:"trigger,omitempty"`
	Pool        string          `json:"pool,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	// TTL is a pointer so an explicit "ttl":0 (spec.md §8: immediate
	// timeout) is distinguishable on the wire from an absent field, which
	// falls back to the router's configured default.
	TTL         *int64          `json:"ttl,omitempty"`
	Flags       map[string]bool `json:"flags,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`

	// error
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	// memory
	Operation string `json:"operation,omitempty"`
	BlockID   string `json:"block_id,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Offset    int64  `json:"offset,omitempty"`
	Length    int64  `json:"length,omitempty"`
	// Mode carries the lock/attach mode for "lock"/"attach" operations
	// only (spec.md §4.2). "create" has its own BlockType/Permissions
	// fields below — it must never reuse Mode, which has no lock mode to
	// carry for a create request.
	Mode        string              `json:"mode,omitempty"`
	TimeoutMs   int64               `json:"timeout_ms,omitempty"`
	BlockType   string              `json:"block_type,omitempty"`
	Permissions map[string][]string `json:"permissions,omitempty"`

	// admin
	AdminArgs map[string]string `json:"admin_args,omitempty"`

	// binary_frame
	BinarySize int64 `json:"binary_size,omitempty"`
}

// Assigned carries the server-resolved handshake outcome.
type Assigned struct {
	AppID      string   `json:"app_id"`
	Pools      []string `json:"pools"`
	Triggers   []string `json:"triggers"`
	Rehydrated bool     `json:"rehydrated"`
}

// Normalize canonicalizes duck-typed synonyms accepted on input (spec.md
// §9): "process" is accepted as an alias of "trigger" kind, and
// "in_reply_to" is folded into CorrelationID when CorrelationID is empty.
// It also folds a bare "id" into CorrelationID for response/error messages
// that used the older id-as-correlation convention, without ever preferring
// it over an explicit correlation_id.
func (m *Message) Normalize(rawInReplyTo string) {
	if m.Type == "process" {
		m.Type = KindTrigger
	}
	if m.CorrelationID == "" {
		if rawInReplyTo != "" {
			m.CorrelationID = rawInReplyTo
		} else if (m.Type == KindResponse || m.Type == KindError) && m.ID != "" {
			m.CorrelationID = m.ID
		}
	}
}

// rawEnvelope is used only to recover the legacy "in_reply_to" field before
// Message's strict struct tags discard it.
type rawEnvelope struct {
	InReplyTo string `json:"in_reply_to"`
}

// Decode parses a JSON payload into a normalized Message, applying kind-
// specific schema validation. It never returns a Message with an invalid
// required field silently zeroed; validation errors are returned as *Error.
func Decode(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, &Error{Code: ValidationError, Err: fmt.Errorf("decode message: %w", err)}
	}
	var raw rawEnvelope
	_ = json.Unmarshal(payload, &raw)
	msg.Normalize(raw.InReplyTo)

	if err := validate(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Encode serializes a Message back to its wire JSON form using the same
// Message type Decode produces. It does not run validate: outbound messages
// built by the server are not checked against the inbound schema rules.
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}
