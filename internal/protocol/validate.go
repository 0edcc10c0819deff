package protocol

import (
	"github.com/latzero/latzero/internal/domain"
)

// validate enforces per-kind required fields, identifier formats, and
// character-class/length limits, per spec.md §4.2's message catalog. It runs
// on every decoded message before the message reaches a higher layer.
func validate(m *Message) error {
	switch m.Type {
	case KindHandshake:
		return validateHandshake(m)
	case KindHandshakeAck:
		return requireFields(m, "correlation_id", "status")
	case KindTrigger:
		return validateTrigger(m)
	case KindResponse:
		return validateResponse(m)
	case KindEmit:
		return validateEmit(m)
	case KindError:
		return requireFields(m, "correlation_id", "error", "error_code")
	case KindMemory:
		return validateMemory(m)
	case KindAdmin:
		if m.Operation == "" {
			return NewError(ValidationError, "admin: operation is required")
		}
		return nil
	case KindBinaryFrame:
		if m.BinarySize <= 0 {
			return NewError(ValidationError, "binary_frame: binary_size must be positive")
		}
		return nil
	default:
		return NewError(ValidationError, "unknown message type %q", m.Type)
	}
}

func validateHandshake(m *Message) error {
	if m.AppID == "" {
		return NewError(ValidationError, "handshake: app_id is required")
	}
	if !domain.ValidAppID(m.AppID) {
		return NewError(ValidationError, "handshake: app_id %q violates charset/length rules", m.AppID)
	}
	for _, p := range m.Pools {
		if !domain.ValidPoolName(p) {
			return NewError(ValidationError, "handshake: pool name %q violates charset/length rules", p)
		}
	}
	for _, t := range m.Triggers {
		if !domain.ValidTriggerName(t) {
			return NewError(ValidationError, "handshake: trigger name %q violates charset/length rules", t)
		}
	}
	return nil
}

func validateTrigger(m *Message) error {
	if m.ID == "" || !ValidUUID(m.ID) {
		return NewError(ValidationError, "trigger: id must be a UUID")
	}
	if m.Origin == "" {
		return NewError(ValidationError, "trigger: origin is required")
	}
	if m.Trigger == "" || !domain.ValidTriggerName(m.Trigger) {
		return NewError(ValidationError, "trigger: trigger name %q is invalid", m.Trigger)
	}
	if m.Payload == nil {
		return NewError(ValidationError, "trigger: payload is required")
	}
	if m.Pool != "" && !domain.ValidPoolName(m.Pool) {
		return NewError(ValidationError, "trigger: pool name %q is invalid", m.Pool)
	}
	return nil
}

func validateResponse(m *Message) error {
	if m.ID == "" && m.CorrelationID == "" {
		return NewError(ValidationError, "response: id or correlation_id/in_reply_to is required")
	}
	if m.Status == "" {
		return NewError(ValidationError, "response: status is required")
	}
	return nil
}

func validateEmit(m *Message) error {
	if m.Trigger == "" || !domain.ValidTriggerName(m.Trigger) {
		return NewError(ValidationError, "emit: trigger name %q is invalid", m.Trigger)
	}
	if m.Payload == nil {
		return NewError(ValidationError, "emit: payload is required")
	}
	return nil
}

func validateMemory(m *Message) error {
	if m.Operation == "" {
		return NewError(ValidationError, "memory: operation is required")
	}
	if m.BlockID == "" {
		return NewError(ValidationError, "memory: block_id is required")
	}
	switch m.Operation {
	case "create":
		if m.Size <= 0 {
			return NewError(ValidationError, "memory create: size must be positive")
		}
		if m.BlockType != "" {
			switch domain.BlockType(m.BlockType) {
			case domain.BlockTypeShared, domain.BlockTypePersistent, domain.BlockTypeEncrypted,
				domain.BlockTypeTemporary, domain.BlockTypeJSON, domain.BlockTypeBinary, domain.BlockTypeStream:
			default:
				return NewError(ValidationError, "memory create: block_type %q is invalid", m.BlockType)
			}
		}
	case "write":
		if m.Data == nil {
			return NewError(ValidationError, "memory write: data is required")
		}
		if m.Offset < 0 {
			return NewError(ValidationError, "memory write: offset must be non-negative")
		}
	case "read":
		if m.Offset < 0 {
			return NewError(ValidationError, "memory read: offset must be non-negative")
		}
	case "lock":
		switch domain.LockMode(m.Mode) {
		case domain.LockModeRead, domain.LockModeWrite, domain.LockModeExclusive:
		default:
			return NewError(ValidationError, "memory lock: mode %q is invalid", m.Mode)
		}
	case "unlock", "attach", "detach", "delete", "cas", "stat":
		// no additional required fields beyond block_id/operation
	default:
		return NewError(ValidationError, "memory: unsupported operation %q", m.Operation)
	}
	return nil
}

func requireFields(m *Message, names ...string) error {
	for _, n := range names {
		var present bool
		switch n {
		case "correlation_id":
			present = m.CorrelationID != ""
		case "status":
			present = m.Status != ""
		case "error":
			present = m.Error != ""
		case "error_code":
			present = m.ErrorCode != ""
		}
		if !present {
			return NewError(ValidationError, "%s: %s is required", m.Type, n)
		}
	}
	return nil
}
