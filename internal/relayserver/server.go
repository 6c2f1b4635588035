package relayserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/Michael-24-wall/gridsync/internal/wire"
)

type ServerConfig struct {
	// AuthToken is the shared credential checked on every REST request
	// (bearer header) and on the sync handshake (token query parameter).
	AuthToken string
	Logger    *zap.Logger
}

type Server struct {
	store  *Store
	cfg    ServerConfig
	logger *zap.Logger

	hubMu sync.Mutex
	hubs  map[string]*hub
}

func NewServer(store *Store, cfg ServerConfig) *Server {
	if cfg.AuthToken == "" {
		cfg.AuthToken = "dev-token"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:  store,
		cfg:    cfg,
		logger: logger,
		hubs:   map[string]*hub{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := splitPath(r.URL.Path)
	switch {
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "spreadsheets" && r.Method == http.MethodPost:
		s.handleCreateSpreadsheet(w, r)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "spreadsheets" && r.Method == http.MethodGet:
		s.handleGetSpreadsheet(w, r, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "spreadsheets" && parts[3] == "sync" && r.Method == http.MethodGet:
		s.handleSync(w, r, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "sheets" && parts[3] == "cells" && r.Method == http.MethodGet:
		s.handleSheetCells(w, r, parts[2])
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "cells" && r.Method == http.MethodPost:
		s.handleCreateCell(w, r)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "cells" && r.Method == http.MethodPatch:
		s.handlePatchCell(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	}
}

func (s *Server) authorizeREST(w http.ResponseWriter, r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token != s.cfg.AuthToken {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return false
	}
	return true
}

func (s *Server) handleCreateSpreadsheet(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeREST(w, r) {
		return
	}
	var req struct {
		Title  string   `json:"title"`
		Sheets []string `json:"sheets,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	view, err := s.store.CreateSpreadsheet(req.Title, req.Sheets)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetSpreadsheet(w http.ResponseWriter, r *http.Request, id string) {
	if !s.authorizeREST(w, r) {
		return
	}
	view, err := s.store.GetSpreadsheet(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSheetCells(w http.ResponseWriter, r *http.Request, sheetID string) {
	if !s.authorizeREST(w, r) {
		return
	}
	cells, err := s.store.SheetCells(sheetID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cells": cells})
}

func (s *Server) handleCreateCell(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeREST(w, r) {
		return
	}
	var req struct {
		Sheet   string            `json:"sheet"`
		Row     *int              `json:"row"`
		Column  *int              `json:"column"`
		Value   string            `json:"value"`
		Formula string            `json:"formula,omitempty"`
		Style   map[string]string `json:"style,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if req.Sheet == "" || req.Row == nil || req.Column == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "sheet, row and column are required")
		return
	}
	cell, err := s.store.CreateCell(req.Sheet, *req.Row, *req.Column, req.Value, req.Formula, req.Style)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cell)
}

func (s *Server) handlePatchCell(w http.ResponseWriter, r *http.Request, serverID string) {
	if !s.authorizeREST(w, r) {
		return
	}
	var req struct {
		Value   *string           `json:"value,omitempty"`
		Formula *string           `json:"formula,omitempty"`
		Style   map[string]string `json:"style,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	cell, err := s.store.PatchCell(serverID, req.Value, req.Formula, req.Style)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cell)
}

// handleSync upgrades the connection and joins the spreadsheet's hub. The
// credential rides the handshake query, so rejection happens before the
// upgrade completes.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, spreadsheetID string) {
	if r.URL.Query().Get("token") != s.cfg.AuthToken {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}
	if !s.store.HasSpreadsheet(spreadsheetID) {
		writeError(w, http.StatusNotFound, "not_found", "no such spreadsheet")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("sync handshake failed", zap.Error(err))
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "user_" + uuid.NewString()
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		username = "anonymous"
	}

	sub := &subscriber{conn: conn, userID: userID, username: username}
	h := s.hubFor(spreadsheetID)
	h.add(sub)

	sub.send(wire.ConnectionSuccess{})
	sub.send(wire.OnlineUsers{Users: h.roster()})
	h.broadcast(sub, wire.UserJoined{UserID: userID, Username: username})

	s.readLoop(h, sub)

	h.remove(sub)
	h.broadcast(nil, wire.UserLeft{UserID: userID})
	s.releaseHub(spreadsheetID, h)
	_ = conn.Close(websocket.StatusNormalClosure, "session ended")
}

func (s *Server) readLoop(h *hub, sub *subscriber) {
	ctx := context.Background()
	for {
		_, data, err := sub.conn.Read(ctx)
		if err != nil {
			return
		}
		ev, err := wire.Decode(data)
		if err != nil {
			switch {
			case errors.Is(err, wire.ErrUnknownType):
				s.logger.Warn("ignoring unknown event type", zap.Error(err))
			default:
				s.logger.Warn("dropping malformed event", zap.Error(err))
			}
			continue
		}
		switch ev.(type) {
		case wire.Heartbeat:
			sub.send(wire.HeartbeatAck{})
		case wire.CellUpdate, wire.CursorMove, wire.SelectionChange, wire.SheetOperation:
			h.broadcast(sub, ev)
		default:
			s.logger.Debug("ignoring client event",
				zap.String("type", string(ev.EventType())))
		}
	}
}

func (s *Server) hubFor(spreadsheetID string) *hub {
	s.hubMu.Lock()
	defer s.hubMu.Unlock()
	h, ok := s.hubs[spreadsheetID]
	if !ok {
		h = newHub(spreadsheetID, s.logger)
		s.hubs[spreadsheetID] = h
	}
	return h
}

func (s *Server) releaseHub(spreadsheetID string, h *hub) {
	s.hubMu.Lock()
	defer s.hubMu.Unlock()
	if h.empty() {
		delete(s.hubs, spreadsheetID)
	}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
