// Package control implements the backup core's local control API: a
// newline-delimited JSON request/response server exposing the
// GetConfig/SetConfig/StartBackup/StartRestore commands the supervision
// channel's UI boundary calls for. Long-running commands (StartBackup,
// StartRestore) are fire-and-forget here; their progress and completion
// arrive asynchronously on the Agent's own Events() channel, which a host
// process is expected to forward to its own UI independently of this API.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/WebFirstLanguage/beenet/pkg/agent"
)

// Request represents a control API request
type Request struct {
	Method string                 `json:"method"`
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Response represents a control API response
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Server implements the control API server
type Server struct {
	mu    sync.RWMutex
	agent *agent.Agent
}

// NewServer creates a new control API server
func NewServer(ag *agent.Agent) *Server {
	return &Server{agent: ag}
}

// Serve starts the control API server on the given listener
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
					continue
				}
			}
			go s.handleConnection(ctx, conn)
		}
	}
}

// handleConnection handles a single client connection
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			var request Request
			if err := decoder.Decode(&request); err != nil {
				return
			}

			response := s.handleRequest(ctx, request)

			if err := encoder.Encode(response); err != nil {
				return
			}
		}
	}
}

// handleRequest processes a single API request
func (s *Server) handleRequest(ctx context.Context, request Request) Response {
	switch request.Method {
	case "GetConfig":
		return s.handleGetConfig(request)
	case "SetConfig":
		return s.handleSetConfig(request)
	case "StartBackup":
		return s.handleStartBackup(request)
	case "StartRestore":
		return s.handleStartRestore(request)
	default:
		return Response{ID: request.ID, Error: fmt.Sprintf("unknown method: %s", request.Method)}
	}
}

// handleGetConfig handles the GetConfig operation
func (s *Server) handleGetConfig(request Request) Response {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg := s.agent.GetConfig()
	return Response{ID: request.ID, Result: configToMap(cfg)}
}

// handleSetConfig handles the SetConfig operation
func (s *Server) handleSetConfig(request Request) Response {
	cfg := s.agent.GetConfig()

	if v, ok := request.Params["data_dir"].(string); ok {
		cfg.DataDir = v
	}
	if v, ok := request.Params["matchmaker_url"].(string); ok {
		cfg.MatchmakerURL = v
	}
	if v, ok := request.Params["listen_addr"].(string); ok {
		cfg.ListenAddr = v
	}
	if v, ok := request.Params["use_quic"].(bool); ok {
		cfg.UseQUIC = v
	}
	if v, ok := numberParam(request.Params, "chunk_min_size"); ok {
		cfg.ChunkMinSize = int(v)
	}
	if v, ok := numberParam(request.Params, "chunk_average_size"); ok {
		cfg.ChunkAverageSize = int(v)
	}
	if v, ok := numberParam(request.Params, "chunk_max_size"); ok {
		cfg.ChunkMaxSize = int(v)
	}
	if v, ok := numberParam(request.Params, "pack_min_size"); ok {
		cfg.PackMinSize = int64(v)
	}
	if v, ok := numberParam(request.Params, "pack_max_size"); ok {
		cfg.PackMaxSize = int64(v)
	}
	if v, ok := numberParam(request.Params, "pack_target_size"); ok {
		cfg.PackTargetSize = int64(v)
	}
	if v, ok := numberParam(request.Params, "packer_concurrency"); ok {
		cfg.PackerConcurrency = int(v)
	}
	if v, ok := numberParam(request.Params, "scheduler_per_peer_in_flight"); ok {
		cfg.SchedulerPerPeerInFlight = int(v)
	}
	if v, ok := numberParam(request.Params, "scheduler_global_concurrency"); ok {
		cfg.SchedulerGlobalConcurrency = int(v)
	}

	if err := s.agent.SetConfig(cfg); err != nil {
		return Response{ID: request.ID, Error: fmt.Sprintf("failed to set config: %v", err)}
	}
	return Response{ID: request.ID, Result: configToMap(cfg)}
}

// handleStartBackup handles the StartBackup operation. The backup runs in
// the background; its outcome is reported on the Agent's Events channel.
func (s *Server) handleStartBackup(request Request) Response {
	rootDir, ok := request.Params["root_dir"].(string)
	if !ok || rootDir == "" {
		return Response{ID: request.ID, Error: "root_dir parameter is required and must be a string"}
	}

	go func() {
		if err := s.agent.StartBackup(context.Background(), rootDir); err != nil {
			// The agent has already emitted a BackupFinished{success=false}
			// event with this error; nothing further to report here.
			_ = err
		}
	}()

	return Response{ID: request.ID, Result: map[string]interface{}{"started": true}}
}

// handleStartRestore handles the StartRestore operation. The restore runs
// in the background; its outcome is reported on the Agent's Events
// channel.
func (s *Server) handleStartRestore(request Request) Response {
	snapshotID, ok := request.Params["snapshot_id"].(string)
	if !ok || snapshotID == "" {
		return Response{ID: request.ID, Error: "snapshot_id parameter is required and must be a string"}
	}
	destDir, ok := request.Params["dest_dir"].(string)
	if !ok || destDir == "" {
		return Response{ID: request.ID, Error: "dest_dir parameter is required and must be a string"}
	}

	go func() {
		if err := s.agent.StartRestore(context.Background(), snapshotID, destDir); err != nil {
			_ = err
		}
	}()

	return Response{ID: request.ID, Result: map[string]interface{}{"started": true}}
}

func configToMap(cfg agent.Config) map[string]interface{} {
	return map[string]interface{}{
		"data_dir":                     cfg.DataDir,
		"matchmaker_url":               cfg.MatchmakerURL,
		"listen_addr":                  cfg.ListenAddr,
		"use_quic":                     cfg.UseQUIC,
		"chunk_min_size":               cfg.ChunkMinSize,
		"chunk_average_size":           cfg.ChunkAverageSize,
		"chunk_max_size":               cfg.ChunkMaxSize,
		"pack_min_size":                cfg.PackMinSize,
		"pack_max_size":                cfg.PackMaxSize,
		"pack_target_size":             cfg.PackTargetSize,
		"packer_concurrency":           cfg.PackerConcurrency,
		"scheduler_per_peer_in_flight": cfg.SchedulerPerPeerInFlight,
		"scheduler_global_concurrency": cfg.SchedulerGlobalConcurrency,
	}
}

// numberParam extracts a numeric param; encoding/json decodes all JSON
// numbers as float64 when the target is map[string]interface{}.
func numberParam(params map[string]interface{}, key string) (float64, bool) {
	v, ok := params[key].(float64)
	return v, ok
}
