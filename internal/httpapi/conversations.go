package httpapi

import (
	"net/http"

	"github.com/emberchat/ember/internal/auth"
	"github.com/emberchat/ember/internal/model"
)

type conversationsResp struct {
	Conversations []model.ConversationSummary `json:"conversations"`
}

// ListConversations returns the caller's active conversations ordered by
// recent activity, each with its last message and unread count.
func (s *Server) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	summaries, err := s.Store.GetUserConversations(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if summaries == nil {
		summaries = []model.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, conversationsResp{Conversations: summaries})
}
