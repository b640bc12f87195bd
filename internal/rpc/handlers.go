package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
	"github.com/klingon-exchange/klingon-bridge/internal/swap"
)

// Version of the daemon
const Version = "0.1.0-dev"

// parseParams decodes params into v. Missing params leave v untouched.
func parseParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return htlc.NewError(htlc.InvalidInput, "params", fmt.Errorf("invalid params: %w", err))
	}
	return nil
}

// ========================================
// Node handlers
// ========================================

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	Version        string `json:"version"`
	NetworkType    string `json:"network_type"`
	DataDir        string `json:"data_dir"`
	Uptime         string `json:"uptime"`
	Sessions       int    `json:"sessions"`
	StoredSessions int    `json:"stored_sessions"`
	WSClients      int    `json:"ws_clients"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	stored := 0
	if s.store != nil {
		if n, err := s.store.SessionCount(); err == nil {
			stored = n
		}
	}
	return &NodeInfoResult{
		Version:        Version,
		NetworkType:    string(s.networkType),
		DataDir:        s.dataDir,
		Uptime:         time.Since(s.startedAt).Round(time.Second).String(),
		Sessions:       s.coordinator.Count(),
		StoredSessions: stored,
		WSClients:      s.wsHub.ClientCount(),
	}, nil
}

// ========================================
// Network handlers
// ========================================

// NetworksListParams filters networks_list.
type NetworksListParams struct {
	// Type is "mainnet", "testnet" or empty for all.
	Type string `json:"type,omitempty"`
}

func (s *Server) networksList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p NetworksListParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	t := chain.NetworkType(strings.ToLower(p.Type))
	switch t {
	case "", chain.Mainnet, chain.Testnet:
	default:
		return nil, htlc.Errorf(htlc.InvalidInput, "networks_list", "invalid network type %q", p.Type)
	}
	return s.coordinator.Registry().List(t), nil
}

// NetworkParams name a network.
type NetworkParams struct {
	Name string `json:"name"`
}

func (s *Server) networksGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p NetworkParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, htlc.Errorf(htlc.InvalidInput, "networks_get", "name is required")
	}
	return s.coordinator.Registry().Get(p.Name)
}

// ========================================
// Swap session handlers
// ========================================

func (s *Server) swapCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p swap.CreateRequest
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	return s.coordinator.CreateSession(ctx, p)
}

// ResumeParams carry a resume query string such as "commitId=0x..".
type ResumeParams struct {
	Query string `json:"query"`
}

func (s *Server) swapResume(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ResumeParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	return s.coordinator.Resume(ctx, p.Query)
}

// SessionParams identify a session by id or commit id.
type SessionParams struct {
	ID       string `json:"id,omitempty"`
	CommitID string `json:"commit_id,omitempty"`
}

func (p *SessionParams) validate(op string) error {
	if p.ID == "" && p.CommitID == "" {
		return htlc.Errorf(htlc.InvalidInput, op, "id or commit_id is required")
	}
	return nil
}

// sessionID resolves the session id, looking up the commit id when needed.
func (s *Server) sessionID(params json.RawMessage, op string) (string, error) {
	var p SessionParams
	if err := parseParams(params, &p); err != nil {
		return "", err
	}
	if err := p.validate(op); err != nil {
		return "", err
	}
	if p.ID != "" {
		return p.ID, nil
	}
	snap, err := s.coordinator.GetByCommitID(p.CommitID)
	if err != nil {
		return "", err
	}
	return snap.Session.ID, nil
}

func (s *Server) swapGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := s.sessionID(params, "swap_get")
	if err != nil {
		return nil, err
	}
	return s.coordinator.Get(id)
}

func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.coordinator.List(), nil
}

// AbandonResult is the response for swap_abandon.
type AbandonResult struct {
	ID        string `json:"id"`
	Abandoned bool   `json:"abandoned"`
}

func (s *Server) swapAbandon(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := s.sessionID(params, "swap_abandon")
	if err != nil {
		return nil, err
	}
	if err := s.coordinator.Abandon(id); err != nil {
		return nil, err
	}
	return &AbandonResult{ID: id, Abandoned: true}, nil
}

// ========================================
// Swap action handlers
// ========================================

type actionFunc func(ctx context.Context, id string) (*swap.Snapshot, error)

func (s *Server) action(op string, fn actionFunc) Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		id, err := s.sessionID(params, op)
		if err != nil {
			return nil, err
		}
		return fn(ctx, id)
	}
}

func (s *Server) swapCommit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.action("swap_commit", s.coordinator.Commit)(ctx, params)
}

func (s *Server) swapAddLock(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.action("swap_addLock", s.coordinator.AddLock)(ctx, params)
}

func (s *Server) swapRedeem(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.action("swap_redeem", s.coordinator.Redeem)(ctx, params)
}

func (s *Server) swapRefund(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.action("swap_refund", s.coordinator.Refund)(ctx, params)
}

func (s *Server) swapClearError(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.action("swap_clearError", func(_ context.Context, id string) (*swap.Snapshot, error) {
		return s.coordinator.ClearError(id)
	})(ctx, params)
}
