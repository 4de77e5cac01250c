package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mithileshchellappan/shiftpush/internal/auth"
	"github.com/mithileshchellappan/shiftpush/internal/service"
	"github.com/mithileshchellappan/shiftpush/internal/storage"
)

type registerRequest struct {
	UserID   string `json:"userId" validate:"required"`
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

type sendRequest struct {
	UserID  string            `json:"userId" validate:"required"`
	Title   string            `json:"title" validate:"required"`
	Message string            `json:"message" validate:"required"`
	Type    string            `json:"type"`
	Data    map[string]string `json:"data"`
}

type sendBulkRequest struct {
	UserIDs []string          `json:"userIds" validate:"required,min=1,dive,required"`
	Title   string            `json:"title" validate:"required"`
	Message string            `json:"message" validate:"required"`
	Data    map[string]string `json:"data"`
}

type receiptsRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,dive,required"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !caller(r).CanActFor(req.UserID) {
		s.forbidden(w, r)
		return
	}

	token, err := s.service.RegisterToken(r.Context(), req.UserID, req.Token, storage.Platform(req.Platform))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, token, http.StatusCreated)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !s.decode(w, r, &req) {
		return
	}

	data := make(map[string]string, len(req.Data)+1)
	for k, v := range req.Data {
		data[k] = v
	}
	if req.Type != "" {
		data["type"] = req.Type
	}

	s.dispatch(w, r, service.Request{
		RecipientUserIDs: []string{req.UserID},
		Title:            req.Title,
		Body:             req.Message,
		Data:             data,
	})
}

func (s *Server) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	var req sendBulkRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.dispatch(w, r, service.Request{
		RecipientUserIDs: req.UserIDs,
		Title:            req.Title,
		Body:             req.Message,
		Data:             req.Data,
	})
}

// dispatch runs a send and reports its summary. The summary is returned even
// when only the audit record failed, since the devices were already reached.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req service.Request) {
	summary, err := s.service.Dispatch(r.Context(), req)
	if err != nil && summary == nil {
		s.fail(w, r, err)
		return
	}
	if err != nil {
		s.log.Error("dispatch completed without audit record", zap.String("attempt_id", summary.AttemptID), zap.Error(err))
	}
	s.respond(w, r, summary, http.StatusOK)
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	var req receiptsRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respond(w, r, s.service.CheckReceipts(r.Context(), req.IDs), http.StatusOK)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !caller(r).CanActFor(userID) {
		s.forbidden(w, r)
		return
	}

	tokens, err := s.service.ListActiveTokens(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, tokens, http.StatusOK)
}

func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "tokenID")

	token, err := s.service.GetToken(r.Context(), tokenID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !caller(r).CanActFor(token.UserID) {
		s.forbidden(w, r)
		return
	}

	if err := s.service.RemoveToken(r.Context(), tokenID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, nil, http.StatusNoContent)
}

func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	if caller(r).Role != auth.RoleService {
		s.forbidden(w, r)
		return
	}

	attempt, err := s.service.GetAttempt(r.Context(), chi.URLParam(r, "attemptID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, attempt, http.StatusOK)
}
