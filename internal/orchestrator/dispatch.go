package orchestrator

import (
	"context"
	"errors"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/latzero/latzero/internal/domain"
	"github.com/latzero/latzero/internal/logging"
	"github.com/latzero/latzero/internal/memory"
	"github.com/latzero/latzero/internal/metrics"
	"github.com/latzero/latzero/internal/observability"
	"github.com/latzero/latzero/internal/protocol"
)

func msDuration(ms int64) time.Duration {
	if ms <= 0 {
		return 30 * time.Second
	}
	return time.Duration(ms) * time.Millisecond
}

// handleMessage is the transport.MessageHandler: it routes an inbound
// frame by Kind to the owning component, per spec.md §4.2's message table.
func (o *Orchestrator) handleMessage(ctx context.Context, connID int64, msg *protocol.Message) *protocol.Message {
	switch msg.Type {
	case protocol.KindHandshake:
		ctx, span := observability.StartServerSpan(ctx, "registry.handshake",
			attribute.Int64("conn_id", connID))
		defer span.End()
		resp := o.registry.HandleHandshake(ctx, connID, msg)
		recordIfError(resp)
		spanResult(ctx, span, resp)
		return resp

	case protocol.KindTrigger:
		ctx := observability.ExtractMessageMetadata(ctx, msg)
		ctx, span := observability.StartServerSpan(ctx, "trigger.dispatch",
			attribute.Int64("conn_id", connID), attribute.String("trigger", msg.Trigger))
		defer span.End()
		start := time.Now()
		resp := o.router.HandleTrigger(ctx, connID, msg)
		metrics.RecordDispatchDuration(float64(time.Since(start).Microseconds()) / 1000)
		recordIfError(resp)
		spanResult(ctx, span, resp)
		return resp

	case protocol.KindEmit:
		ctx := observability.ExtractMessageMetadata(ctx, msg)
		ctx, span := observability.StartServerSpan(ctx, "trigger.emit",
			attribute.Int64("conn_id", connID), attribute.String("trigger", msg.Trigger))
		defer span.End()
		resp := o.router.HandleEmit(ctx, connID, msg)
		recordIfError(resp)
		spanResult(ctx, span, resp)
		return resp

	case protocol.KindResponse, protocol.KindError:
		o.router.HandleResponse(ctx, msg)
		return nil

	case protocol.KindMemory:
		ctx, span := observability.StartServerSpan(ctx, "memory."+msg.Operation,
			attribute.Int64("conn_id", connID), attribute.String("block_id", msg.BlockID))
		defer span.End()
		resp := o.handleMemory(ctx, connID, msg)
		recordIfError(resp)
		spanResult(ctx, span, resp)
		return resp

	case protocol.KindAdmin:
		return protocol.NewError(protocol.NotFound, "admin operations are served over the AdminRPC gRPC surface, not the framed protocol").ToMessage(msg.ID)

	default:
		return protocol.NewError(protocol.ValidationError, "unsupported message type %q", msg.Type).ToMessage(msg.ID)
	}
}

// spanResult marks span as errored or OK based on whether resp is a
// protocol-level error response, logging the failing trace/span id pair so
// an operator can jump from a log line straight to the trace backend.
func spanResult(ctx context.Context, span trace.Span, resp *protocol.Message) {
	if resp != nil && resp.Type == protocol.KindError {
		observability.SetSpanError(span, errors.New(resp.Error))
		logging.OpWithTrace(observability.GetTraceID(ctx), observability.GetSpanID(ctx)).
			Warn("request failed", "error", resp.Error, "error_code", resp.ErrorCode)
		return
	}
	observability.SetSpanOK(span)
}

// handleDisconnect is the transport.DisconnectHandler: it unwinds registry
// and router state for whatever AppID was bound to connID.
func (o *Orchestrator) handleDisconnect(ctx context.Context, connID int64) {
	appID, ok := o.registry.HandleDisconnect(ctx, connID)
	if !ok {
		return
	}
	o.router.HandleDisconnect(ctx, appID)
	logging.Op().Info("app disconnected", "app_id", appID, "conn_id", connID)
}

func recordIfError(msg *protocol.Message) {
	if msg != nil && msg.Type == protocol.KindError {
		metrics.RecordError(msg.ErrorCode)
	}
}

// handleMemory dispatches a "memory" kind message to the Memory Manager by
// its Operation field (spec.md §4.7): create, attach, detach, read, write,
// cas, lock, unlock, delete, stat. Any other operation, subscribe included,
// gets a VALIDATION_ERROR reply.
func (o *Orchestrator) handleMemory(ctx context.Context, connID int64, msg *protocol.Message) *protocol.Message {
	appID, bound := o.registry.AppIDForConn(connID)
	if !bound {
		return protocol.NewError(protocol.AccessDenied, "connection is not bound to an app").ToMessage(msg.ID)
	}

	switch msg.Operation {
	case "create":
		blockType := domain.BlockType(msg.BlockType)
		if blockType == "" {
			blockType = domain.BlockTypeShared
		}
		perms := msg.Permissions
		if perms == nil {
			// No explicit grant list: the creator gets read/write and
			// nobody else does, rather than a deny-everything map that
			// would lock the creator itself out (spec.md §4.7).
			perms = map[string][]string{
				domain.PermRead:  {appID},
				domain.PermWrite: {appID},
			}
		}
		block, err := o.memory.Create(ctx, msg.BlockID, msg.BlockID, msg.Pool, msg.Size, blockType, perms)
		if err != nil {
			return memErrorMessage(msg, err)
		}
		metrics.RecordMemoryWrite(string(block.Type))
		return &protocol.Message{Type: protocol.KindMemory, ID: protocol.NewID(), CorrelationID: msg.ID, Operation: "create", BlockID: block.BlockID, Size: block.Size}

	case "attach":
		if err := o.memory.Attach(ctx, msg.BlockID, appID, msg.Mode); err != nil {
			return memErrorMessage(msg, err)
		}
		return ackMessage(msg, "attach")

	case "detach":
		if err := o.memory.Detach(ctx, msg.BlockID, appID); err != nil {
			return memErrorMessage(msg, err)
		}
		return ackMessage(msg, "detach")

	case "read":
		data, err := o.memory.Read(ctx, msg.BlockID, appID, msg.Offset, msg.Length)
		if err != nil {
			return memErrorMessage(msg, err)
		}
		return &protocol.Message{Type: protocol.KindMemory, ID: protocol.NewID(), CorrelationID: msg.ID, Operation: "read", BlockID: msg.BlockID, Data: data}

	case "write":
		version, err := o.memory.Write(ctx, msg.BlockID, appID, msg.Offset, msg.Data)
		if err != nil {
			return memErrorMessage(msg, err)
		}
		if block, err := o.memory.Stat(msg.BlockID); err == nil {
			metrics.RecordMemoryWrite(string(block.Type))
		}
		return &protocol.Message{Type: protocol.KindMemory, ID: protocol.NewID(), CorrelationID: msg.ID, Operation: "write", BlockID: msg.BlockID, Size: int64(version)}

	case "cas":
		ok, current, err := o.memory.CAS(ctx, msg.BlockID, appID, msg.Offset, []byte(msg.Result), msg.Data)
		if err != nil {
			return memErrorMessage(msg, err)
		}
		status := "ok"
		if !ok {
			status = "mismatch"
		}
		return &protocol.Message{Type: protocol.KindMemory, ID: protocol.NewID(), CorrelationID: msg.ID, Operation: "cas", BlockID: msg.BlockID, Status: status, Data: current}

	case "lock":
		lockID, err := o.memory.Lock(msg.BlockID, appID, domain.LockMode(msg.Mode), msDuration(msg.TimeoutMs))
		if err != nil {
			return memErrorMessage(msg, err)
		}
		return &protocol.Message{Type: protocol.KindMemory, ID: protocol.NewID(), CorrelationID: msg.ID, Operation: "lock", BlockID: msg.BlockID, Status: lockID}

	case "unlock":
		if err := o.memory.Unlock(msg.BlockID, msg.Status); err != nil {
			return memErrorMessage(msg, err)
		}
		return ackMessage(msg, "unlock")

	case "delete":
		if err := o.memory.Delete(ctx, msg.BlockID); err != nil {
			return memErrorMessage(msg, err)
		}
		return ackMessage(msg, "delete")

	case "stat":
		block, err := o.memory.Stat(msg.BlockID)
		if err != nil {
			return memErrorMessage(msg, err)
		}
		return &protocol.Message{Type: protocol.KindMemory, ID: protocol.NewID(), CorrelationID: msg.ID, Operation: "stat", BlockID: block.BlockID, Size: block.Size}

	default:
		return protocol.NewError(protocol.ValidationError, "unsupported memory operation %q", msg.Operation).ToMessage(msg.ID)
	}
}

func ackMessage(msg *protocol.Message, op string) *protocol.Message {
	return &protocol.Message{Type: protocol.KindMemory, ID: protocol.NewID(), CorrelationID: msg.ID, Operation: op, Status: "ok"}
}

func memErrorMessage(msg *protocol.Message, err error) *protocol.Message {
	code := protocol.InternalError
	switch {
	case errors.Is(err, memory.ErrOutOfBounds):
		code = protocol.OutOfBounds
	case errors.Is(err, memory.ErrAccessDenied), errors.Is(err, memory.ErrLockConflict), errors.Is(err, memory.ErrBlockAttached):
		code = protocol.AccessDenied
	case errors.Is(err, memory.ErrBlockNotFound), errors.Is(err, memory.ErrPoolNotFound):
		code = protocol.NotFound
	}
	return protocol.NewError(code, "%v", err).ToMessage(msg.ID)
}

func listenAdmin(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
