// Package admin exposes a small JSON/HTTP surface over a running
// clusterkit.System: the thing cmd/clusterkit-node's non-`run` subcommands
// talk to, since there is no RPC stack between the CLI and a long-lived
// node process. Grounded on the teacher's internal/web API conventions
// (net/http + encoding/json, no router dependency) rather than on a gRPC
// admin plane.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clusterkit/clusterkit/internal/clusterkit"
)

// Server answers operator requests against a System: join, member list,
// administrative downing, shard allocation, and singleton ownership.
type Server struct {
	sys  *clusterkit.System
	addr string
	mux  *http.ServeMux
	srv  *http.Server
}

// NewServer returns a Server bound to addr, not yet listening.
func NewServer(sys *clusterkit.System, addr string) *Server {
	s := &Server{sys: sys, addr: addr, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/v1/join", s.withJSON(s.handleJoin))
	s.mux.HandleFunc("/v1/members", s.withJSON(s.handleMembers))
	s.mux.HandleFunc("/v1/members/down", s.withJSON(s.handleMembersDown))
	s.mux.HandleFunc("/v1/shards/", s.withJSON(s.handleShards))
	s.mux.HandleFunc("/v1/singleton/", s.withJSON(s.handleSingletonStatus))
}

func (s *Server) withJSON(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next(w, r)
	}
}

// Handler returns the server's route mux, for tests that want to drive it
// through httptest rather than a bound listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving and blocks until the server is shut down or fails.
// Callers typically run it in its own goroutine.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// APIError mirrors the shape every failed admin response takes.
type APIError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, APIError{Error: err.Error()})
}

type joinRequest struct {
	Seeds []string `json:"seeds"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Seeds) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("seeds must not be empty"))
		return
	}

	s.sys.Join(req.Seeds)
	writeJSON(w, http.StatusOK, map[string]string{"status": "joining"})
}

// MemberView is the JSON projection of a membership.Member.
type MemberView struct {
	Address string   `json:"address"`
	UID     string   `json:"uid"`
	Roles   []string `json:"roles,omitempty"`
	Status  string   `json:"status"`
}

type membersResponse struct {
	Members []MemberView `json:"members"`
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}

	snap := s.sys.Members(r.Context())
	resp := membersResponse{Members: make([]MemberView, 0, len(snap.Members))}
	for _, m := range snap.Members {
		resp.Members = append(resp.Members, MemberView{
			Address: m.Address,
			UID:     m.UID,
			Roles:   m.Roles,
			Status:  m.Status.String(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type downRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleMembersDown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}

	var req downRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("address must not be empty"))
		return
	}

	s.sys.Down(req.Address)
	writeJSON(w, http.StatusOK, map[string]string{"status": "downed", "address": req.Address})
}

type shardsResponse struct {
	EntityType  string            `json:"entity_type"`
	Allocations map[string]string `json:"allocations"`
}

func (s *Server) handleShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}

	entityType := strings.TrimPrefix(r.URL.Path, "/v1/shards/")
	if entityType == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("entity type is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	allocations, err := s.sys.ShardsFor(ctx, entityType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := shardsResponse{EntityType: entityType, Allocations: make(map[string]string, len(allocations))}
	for shardID, addr := range allocations {
		resp.Allocations[strconv.FormatUint(uint64(shardID), 10)] = addr
	}
	writeJSON(w, http.StatusOK, resp)
}

type singletonStatusResponse struct {
	Name  string `json:"name"`
	Owner string `json:"owner,omitempty"`
	Known bool   `json:"known"`
}

func (s *Server) handleSingletonStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/v1/singleton/")
	if name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("singleton name is required"))
		return
	}

	owner, known := s.sys.SingletonOwner(name)
	writeJSON(w, http.StatusOK, singletonStatusResponse{Name: name, Owner: owner, Known: known})
}
