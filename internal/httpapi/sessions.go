package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/logging"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/session"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

type startSessionRequest struct {
	DocumentID string `json:"document_id"`
	Page       int    `json:"page"`
	DocType    string `json:"doc_type"`
	PageCount  int    `json:"page_count"`
}

type updateWindowRequest struct {
	CurrentPage int    `json:"current_page"`
	Action      string `json:"action"`
}

type conflictResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	SessionID string `json:"session_id,omitempty"`
}

type cancelFailedResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	owner := ownerOf(r)

	res, err := s.service.StartSession(r.Context(), session.StartRequest{
		DocumentID: req.DocumentID,
		OwnerID:    owner,
		Page:       req.Page,
		DocType:    window.DocType(strings.TrimSpace(req.DocType)),
		PageCount:  req.PageCount,
	})
	if errors.Is(err, session.ErrSessionExists) {
		// The caller may resume its own session; other owners learn nothing.
		body := conflictResponse{Error: err.Error(), Code: "SESSION_EXISTS"}
		if holder, herr := s.service.ActiveSession(r.Context(), strings.TrimSpace(req.DocumentID)); herr == nil && s.ownedBy(r.Context(), holder, owner) {
			body.SessionID = holder
		}
		respondJSON(w, http.StatusConflict, body)
		return
	}
	if err != nil {
		s.respondSessionError(w, r, err)
		return
	}

	s.log.Info("session started",
		append(logging.SessionFields(res.SessionID, req.DocumentID),
			zap.String("owner_id", owner),
			zap.Int("window_start", res.WindowRange.Start),
			zap.Int("window_end", res.WindowRange.End),
		)...,
	)
	respondJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r)
	if !ok {
		return
	}
	snap, err := s.service.GetStatus(r.Context(), id)
	if err != nil {
		s.respondSessionError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUpdateWindow(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var req updateWindowRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	action, err := window.ParseAction(req.Action)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	res, err := s.service.UpdateWindow(r.Context(), session.UpdateRequest{
		SessionID:   id,
		CurrentPage: req.CurrentPage,
		Action:      action,
	})
	if err != nil {
		s.respondSessionError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	owner, err := s.service.Owner(r.Context(), id)
	if err != nil || owner != ownerOf(r) {
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			s.respondSessionError(w, r, err)
			return
		}
		respondJSON(w, http.StatusNotFound, cancelFailedResponse{OK: false, Error: session.ErrNotFound.Error(), Code: "NOT_FOUND"})
		return
	}

	res, err := s.service.CancelSession(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		respondJSON(w, http.StatusNotFound, cancelFailedResponse{OK: false, Error: err.Error(), Code: "NOT_FOUND"})
		return
	}
	if err != nil {
		s.respondSessionError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	documentID := strings.TrimSpace(chi.URLParam(r, "documentId"))
	holder, err := s.service.ActiveSession(r.Context(), documentID)
	if err != nil {
		s.respondSessionError(w, r, err)
		return
	}
	if !s.ownedBy(r.Context(), holder, ownerOf(r)) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", session.ErrNotFound.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"session_id": holder})
}

// authorize resolves the {id} path parameter and hides sessions of other owners.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "missing session id")
		return "", false
	}
	owner, err := s.service.Owner(r.Context(), id)
	if err != nil {
		s.respondSessionError(w, r, err)
		return "", false
	}
	if owner != ownerOf(r) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", session.ErrNotFound.Error())
		return "", false
	}
	return id, true
}

func (s *Server) ownedBy(ctx context.Context, sessionID, owner string) bool {
	got, err := s.service.Owner(ctx, sessionID)
	return err == nil && got == owner
}
