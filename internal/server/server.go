// Package server exposes the admin purge API and the client messages API
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/NullIsNot0/synapse/internal/pagination"
	"github.com/NullIsNot0/synapse/internal/purge"
	"github.com/NullIsNot0/synapse/internal/storage"
	"github.com/NullIsNot0/synapse/internal/types"
)

// Options configures the API server.
type Options struct {
	// ListenAddr is the address to bind. Use ":0" for an ephemeral port.
	ListenAddr string
}

// Server serves the HTTP API.
type Server struct {
	store  storage.Store
	purger *purge.Purger
	pager  *pagination.Handler
	log    *zap.Logger

	addr      string
	boundAddr string
	http      *http.Server
}

// New creates an API server. It does not start listening until Start.
func New(store storage.Store, purger *purge.Purger, pager *pagination.Handler, log *zap.Logger, opts Options) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	addr := opts.ListenAddr
	if addr == "" {
		addr = ":8008"
	}
	return &Server{
		store:  store,
		purger: purger,
		pager:  pager,
		log:    log,
		addr:   addr,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_synapse/admin/v1/purge_history/{roomID}", s.handlePurgeHistory)
	mux.HandleFunc("GET /_synapse/admin/v1/purge_history_status/{purgeID}", s.handlePurgeStatus)
	mux.HandleFunc("POST /_synapse/admin/v1/purge_room", s.handlePurgeRoom)
	mux.HandleFunc("GET /_matrix/client/r0/rooms/{roomID}/messages", s.handleMessages)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.boundAddr = ln.Addr().String()
	s.http = &http.Server{Handler: mux}

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server failed", zap.Error(err))
		}
	}()

	s.log.Info("api server listening", zap.String("addr", s.boundAddr))
	return nil
}

// Addr returns the bound address. Only valid after Start.
func (s *Server) Addr() string {
	return s.boundAddr
}

// Close shuts the server down, draining in-flight requests.
func (s *Server) Close() error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

type purgeHistoryRequest struct {
	// PurgeUpToToken is a topological token; events before it are purged.
	PurgeUpToToken string `json:"purge_up_to_token"`

	// PurgeUpToTS purges events sent before this timestamp instead of an
	// explicit token.
	PurgeUpToTS *int64 `json:"purge_up_to_ts"`

	DeleteLocalEvents bool `json:"delete_local_events"`
}

func (s *Server) handlePurgeHistory(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")

	var req purgeHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", "invalid request body")
		return
	}

	var token types.RoomStreamToken
	switch {
	case req.PurgeUpToToken != "":
		var err error
		token, err = types.ParseRoomStreamToken(req.PurgeUpToToken)
		if err != nil {
			writeError(w, http.StatusBadRequest, "M_INVALID_PARAM", "invalid purge_up_to_token")
			return
		}
	case req.PurgeUpToTS != nil:
		var err error
		token, err = s.boundaryTokenForTS(r.Context(), roomID, *req.PurgeUpToTS)
		if err != nil {
			writeError(w, http.StatusBadRequest, "M_INVALID_PARAM", err.Error())
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "M_MISSING_PARAM", "purge_up_to_token or purge_up_to_ts required")
		return
	}

	purgeID, err := s.purger.StartPurge(roomID, token, req.DeleteLocalEvents)
	if err != nil {
		if errors.Is(err, purge.ErrPurgeInProgress) {
			writeError(w, http.StatusConflict, "M_UNKNOWN", "purge already in progress for this room")
			return
		}
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"purge_id": purgeID})
}

// boundaryTokenForTS resolves a timestamp to the token of the first event at
// or after it, so history strictly before the timestamp can be purged.
func (s *Server) boundaryTokenForTS(ctx context.Context, roomID string, ts int64) (types.RoomStreamToken, error) {
	streamPos, err := s.store.FindFirstStreamPositionAfter(ctx, ts)
	if err != nil {
		return types.RoomStreamToken{}, err
	}
	pos, err := s.store.GetFirstRoomEventAfter(ctx, roomID, streamPos)
	if err != nil {
		return types.RoomStreamToken{}, err
	}
	if pos == nil {
		return types.RoomStreamToken{}, fmt.Errorf("no event found after purge_up_to_ts")
	}
	return types.TopologicalToken(pos.Topological, pos.Stream), nil
}

func (s *Server) handlePurgeStatus(w http.ResponseWriter, r *http.Request) {
	purgeID := r.PathValue("purgeID")

	status, ok := s.purger.GetStatus(purgeID)
	if !ok {
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "purge id not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status.String()})
}

type purgeRoomRequest struct {
	RoomID string `json:"room_id"`
}

func (s *Server) handlePurgeRoom(w http.ResponseWriter, r *http.Request) {
	var req purgeRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID == "" {
		writeError(w, http.StatusBadRequest, "M_MISSING_PARAM", "room_id required")
		return
	}

	err := s.purger.PurgeRoom(r.Context(), req.RoomID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{})
	case errors.Is(err, purge.ErrUsersStillJoined):
		writeError(w, http.StatusBadRequest, "M_UNKNOWN", "users are still joined to this room")
	case errors.Is(err, storage.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "room not found")
	default:
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", err.Error())
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := pagination.Request{
		RoomID:        r.PathValue("roomID"),
		UserID:        q.Get("user_id"),
		Direction:     types.Direction(q.Get("dir")),
		AsClientEvent: true,
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "M_MISSING_PARAM", "user_id required")
		return
	}
	if !req.Direction.Valid() {
		writeError(w, http.StatusBadRequest, "M_INVALID_PARAM", "dir must be f or b")
		return
	}

	if v := q.Get("from"); v != "" {
		tok, err := types.ParseRoomStreamToken(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "M_INVALID_PARAM", "invalid from token")
			return
		}
		req.From = &tok
	}
	if v := q.Get("to"); v != "" {
		tok, err := types.ParseRoomStreamToken(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "M_INVALID_PARAM", "invalid to token")
			return
		}
		req.To = &tok
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "M_INVALID_PARAM", "invalid limit")
			return
		}
		req.Limit = limit
	}
	if v := q.Get("filter"); v != "" {
		var filter storage.EventFilter
		if err := json.Unmarshal([]byte(v), &filter); err != nil {
			writeError(w, http.StatusBadRequest, "M_INVALID_PARAM", "invalid filter")
			return
		}
		req.Filter = &filter
	}

	page, err := s.pager.GetMessages(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, page)
	case errors.Is(err, storage.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "room not found")
	case errors.Is(err, storage.ErrNotAllowed):
		writeError(w, http.StatusForbidden, "M_FORBIDDEN", "not allowed to view this room")
	default:
		s.log.Error("messages request failed",
			zap.String("room_id", req.RoomID),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, errcode, msg string) {
	writeJSON(w, code, map[string]string{"errcode": errcode, "error": msg})
}
