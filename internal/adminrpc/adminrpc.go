// Package adminrpc exposes a narrow gRPC introspection surface mirroring
// the wire protocol's "admin" message kind (spec.md §4.2: "Introspection
// only"): list_apps, list_pools, list_blocks, list_triggers, and stats. It
// is read-only — no admin RPC mutates core state — and is intended for
// operators who prefer polling a gRPC endpoint over opening a raw socket
// connection and speaking the framed protocol.
//
// Request/response payloads use google.golang.org/protobuf's well-known
// structpb.Struct rather than a hand-generated message set: the service
// surface is small and purely introspective, so a generic "JSON-shaped"
// protobuf value (itself a real, standard proto.Message) avoids depending
// on a protoc run for a handful of read-only calls while still speaking
// the real protobuf/gRPC wire format.
package adminrpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/latzero/latzero/internal/logging"
	"github.com/latzero/latzero/internal/memory"
	"github.com/latzero/latzero/internal/persistence"
	"github.com/latzero/latzero/internal/pool"
	"github.com/latzero/latzero/internal/registry"
	"github.com/latzero/latzero/internal/trigger"
)

// ConnectionCounter reports how many connections Transport currently holds
// open. A narrow interface avoids adminrpc importing internal/transport.
type ConnectionCounter interface {
	ActiveConnections() int
}

// Server implements AdminRPCServer against the live component state.
type Server struct {
	registry   *registry.Registry
	pools      *pool.Manager
	store      *persistence.Store
	ephemeral  *persistence.Ephemeral
	router     *trigger.Router
	memory     *memory.Manager
	transport  ConnectionCounter
	startedAt  time.Time
}

// New constructs the admin server. transport may be nil if Transport isn't
// wired yet (Stats will report 0 active connections).
func New(reg *registry.Registry, pools *pool.Manager, store *persistence.Store, ephemeral *persistence.Ephemeral, router *trigger.Router, mem *memory.Manager, transport ConnectionCounter) *Server {
	return &Server{
		registry:  reg,
		pools:     pools,
		store:     store,
		ephemeral: ephemeral,
		router:    router,
		memory:    mem,
		transport: transport,
		startedAt: time.Now(),
	}
}

// Register attaches the admin service to a *grpc.Server.
func (s *Server) Register(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&ServiceDesc, s)
}

// Serve is a convenience that listens on addr and blocks serving gRPC until
// the listener errors or is closed.
func Serve(addr string, s *Server) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("adminrpc listen %s: %w", addr, err)
	}
	grpcServer := grpc.NewServer()
	s.Register(grpcServer)
	logging.Op().Info("adminrpc listening", "address", addr)
	return grpcServer.Serve(lis)
}

func (s *Server) ListApps(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	apps := s.registry.ListLive()
	items := make([]interface{}, 0, len(apps))
	for _, a := range apps {
		items = append(items, map[string]interface{}{
			"app_id":        a.AppID,
			"pools":         toAnySlice(a.Pools),
			"triggers":      toAnySlice(a.Triggers),
			"online":        a.Online,
			"registered_at": a.RegisteredAt.Format(time.RFC3339),
			"last_seen_at":  a.LastSeenAt.Format(time.RFC3339),
		})
	}
	return structpb.NewStruct(map[string]interface{}{"apps": items, "count": len(items)})
}

func (s *Server) ListPools(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	pools := s.pools.List()
	items := make([]interface{}, 0, len(pools))
	for _, p := range pools {
		items = append(items, map[string]interface{}{
			"name":      p.Name,
			"type":      string(p.Type),
			"encrypted": p.Encrypted,
			"members":   toAnySlice(s.pools.GetMembers(p.Name)),
		})
	}
	return structpb.NewStruct(map[string]interface{}{"pools": items, "count": len(items)})
}

func (s *Server) ListBlocks(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	blocks, err := s.store.ListMemoryBlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list memory blocks: %w", err)
	}
	items := make([]interface{}, 0, len(blocks))
	for _, b := range blocks {
		items = append(items, map[string]interface{}{
			"block_id":   b.BlockID,
			"name":       b.Name,
			"pool":       b.Pool,
			"size":       b.Size,
			"type":       string(b.Type),
			"version":    b.Version,
			"persistent": b.Persistent,
			"encrypted":  b.Encrypted,
		})
	}
	return structpb.NewStruct(map[string]interface{}{"blocks": items, "count": len(items)})
}

func (s *Server) ListTriggers(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	records, err := s.ephemeral.ListTriggerRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("list trigger records: %w", err)
	}
	items := make([]interface{}, 0, len(records))
	for _, r := range records {
		items = append(items, map[string]interface{}{
			"id":          r.ID,
			"trigger":     r.TriggerName,
			"origin":      r.OriginAppID,
			"destination": r.DestinationAppID,
			"state":       string(r.State),
			"created_at":  r.CreatedAt.Format(time.RFC3339),
		})
	}
	return structpb.NewStruct(map[string]interface{}{"triggers": items, "count": len(items)})
}

func (s *Server) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"uptime_seconds":    time.Since(s.startedAt).Seconds(),
		"live_apps":         len(s.registry.ListLive()),
		"pools":             len(s.pools.List()),
	}
	if s.router != nil {
		fields["in_flight_triggers"] = s.router.InFlightCount()
	}
	if s.transport != nil {
		fields["active_connections"] = s.transport.ActiveConnections()
	}
	return structpb.NewStruct(fields)
}

func toAnySlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
