// Package api exposes the HTTP surface for session management. Handlers
// report operation-level outcomes only; connection outcomes (QR shown,
// paired, connected) are always delivered asynchronously via the relay.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/whatsgate-project/whatsgate/logger"
	"github.com/whatsgate-project/whatsgate/session"
	"github.com/whatsgate-project/whatsgate/types"
)

// Server holds the HTTP handlers over the lifecycle manager.
type Server struct {
	mgr *session.Manager
	log *logger.Logger
}

// NewServer creates the API server.
func NewServer(mgr *session.Manager, log *logger.Logger) *Server {
	return &Server{mgr: mgr, log: log}
}

// Routes registers all endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /session", s.handleCreateSession)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /session/{sessionId}", s.handleDeleteSession)
	mux.HandleFunc("POST /pair", s.handlePair)
	mux.HandleFunc("POST /message", s.handleSendMessage)
}

type createSessionRequest struct {
	SessionID      string `json:"sessionId"`
	OrganizationID string `json:"organizationId"`
	FunnelID       string `json:"funnelId"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate(createSessionSchema, body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req createSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.mgr.StartSession(req.SessionID, req.OrganizationID, req.FunnelID); err != nil {
		s.log.WithSession(req.SessionID).Error("failed to start session", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "Session start initiated. Watch the relay for the QR code.",
		"sessionId": req.SessionID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "sessionId query parameter is required")
		return
	}

	info, ok := s.mgr.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected": info.Connected,
		"user":      info.User,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.mgr.List()
	out := make([]map[string]interface{}, 0, len(infos))
	for _, info := range infos {
		out = append(out, map[string]interface{}{
			"sessionId": info.SessionID,
			"connected": info.Connected,
			"user":      info.User,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	if !s.mgr.Exists(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if err := s.mgr.DeleteSession(r.Context(), id); err != nil {
		s.log.WithSession(id).Error("failed to delete session", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "Session deleted successfully.",
		"sessionId": id,
	})
}

type pairRequest struct {
	SessionID   string `json:"sessionId"`
	PhoneNumber string `json:"phoneNumber"`
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate(pairSchema, body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req pairRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.mgr.RequestPairingCode(req.SessionID, req.PhoneNumber); err != nil {
		var verr *types.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.log.WithSession(req.SessionID).Error("pairing request failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Pairing code request initiated. Check your phone for the code.",
	})
}

type sendMessageRequest struct {
	SessionID string `json:"sessionId"`
	Number    string `json:"number"`
	Body      string `json:"body"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate(sendMessageSchema, body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req sendMessageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msgID, err := s.mgr.SendMessage(r.Context(), req.SessionID, req.Number, req.Body)
	if err != nil {
		var cerr *types.ConnectionError
		if errors.As(err, &cerr) {
			writeError(w, http.StatusNotFound, "session not available or not connected")
			return
		}
		s.log.WithSession(req.SessionID).Error("send failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"messageId": msgID})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidField, "body", "unreadable request body")
	}
	if len(body) == 0 {
		return nil, types.NewValidationError(types.ErrCodeMissingField, "body", "request body is required")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
