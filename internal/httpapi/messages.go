package httpapi

import (
	"net/http"
	"strings"

	"github.com/emberchat/ember/internal/auth"
	"github.com/emberchat/ember/internal/cursor"
	"github.com/emberchat/ember/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type messagesResp struct {
	Messages   []*model.Message `json:"messages"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// ListMessages pages a conversation's history newest-first. The cursor is
// opaque; clients pass back exactly what the previous page returned.
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	convID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "invalid conversation id")
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), 50, 100)

	var cur cursor.Cursor
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		var ok bool
		if cur, ok = cursor.Decode(raw); !ok {
			writeBadRequest(w, "invalid cursor")
			return
		}
	}

	msgs, next, err := s.Store.ListMessages(r.Context(), convID, userID, limit, cur)
	if err != nil {
		writeErr(w, err)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResp{Messages: msgs, NextCursor: next})
}

type historyResp struct {
	History []model.EditHistoryEntry `json:"history"`
}

// MessageHistory returns a message's edit history, oldest first. Only
// participants of the message's conversation may read it.
func (s *Server) MessageHistory(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	msgID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "invalid message id")
		return
	}

	msg, err := s.Store.GetMessage(r.Context(), msgID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if _, err := s.Store.GetParticipant(r.Context(), msg.ConversationID, userID); err != nil {
		writeErr(w, err)
		return
	}

	entries, err := s.Store.EditHistory(r.Context(), msgID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.EditHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, historyResp{History: entries})
}

type reactionsResp struct {
	Reactions []model.Reaction `json:"reactions"`
}

// MessageReactions lists the reactions on a message.
func (s *Server) MessageReactions(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	msgID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "invalid message id")
		return
	}

	msg, err := s.Store.GetMessage(r.Context(), msgID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if _, err := s.Store.GetParticipant(r.Context(), msg.ConversationID, userID); err != nil {
		writeErr(w, err)
		return
	}

	reactions, err := s.Store.ListReactions(r.Context(), msgID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if reactions == nil {
		reactions = []model.Reaction{}
	}
	writeJSON(w, http.StatusOK, reactionsResp{Reactions: reactions})
}

type searchResp struct {
	Results []*model.Message `json:"results"`
}

// SearchMessages runs a full-text search over the caller's conversations.
func (s *Server) SearchMessages(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeBadRequest(w, "q is required")
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 20, 50)

	results, err := s.Store.SearchMessages(r.Context(), userID, q, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if results == nil {
		results = []*model.Message{}
	}
	writeJSON(w, http.StatusOK, searchResp{Results: results})
}
