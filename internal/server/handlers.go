package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/haasonsaas/chatkit/pkg/models"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	authPlugin, err := s.reg.Auth()
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	uid, err := authPlugin.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	token, err := authPlugin.IssueToken(r.Context(), uid)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, loginResponse{Token: token, UserID: uid})
}

// handleChat runs one turn and streams its events as SSE. The request body
// is a TurnRequest; the authenticated user always overrides its user_id.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req.UserID = userID(r)

	proc, err := s.reg.MessageProcessor()
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	events, err := proc.Process(r.Context(), req)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		payload, err := json.Marshal(ev.Data)
		if err != nil {
			s.logger.Warn("encode event failed", "error", err)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, payload)
		flusher.Flush()
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	model, err := s.reg.Model()
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	list, err := model.ListModels(r.Context())
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"models": list})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	hist, err := s.reg.History()
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	archived := r.URL.Query().Get("archived") == "true"
	threads, err := hist.Threads(r.Context(), userID(r), archived)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]models.Thread{"threads": threads})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	hist, err := s.reg.History()
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	thread, err := hist.Thread(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	if thread == nil {
		s.writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	s.writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	hist, err := s.reg.History()
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	messages, err := hist.Messages(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]models.Message{"messages": messages})
}

func (s *Server) handleRenameThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	hist, err := s.reg.History()
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	if err := hist.UpdateThread(r.Context(), userID(r), r.PathValue("id"), req.Title); err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleArchiveThread(w http.ResponseWriter, r *http.Request) {
	hist, err := s.reg.History()
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	if err := hist.ArchiveThread(r.Context(), userID(r), r.PathValue("id")); err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	hist, err := s.reg.History()
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	if err := hist.DeleteThread(r.Context(), userID(r), r.PathValue("id")); err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSearchThreads(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}

	hist, err := s.reg.History()
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	results, err := hist.Search(r.Context(), userID(r), query)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]models.ThreadSearchResult{"results": results})
}
