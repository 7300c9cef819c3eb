package httpapi

import (
	"net/http"

	"github.com/emberchat/ember/internal/auth"
	"github.com/emberchat/ember/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type contactsResp struct {
	Contacts []model.ContactEntry `json:"contacts"`
}

// ListContacts returns the caller's contact list with live presence.
func (s *Server) ListContacts(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	contacts, err := s.Store.ListContacts(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if contacts == nil {
		contacts = []model.ContactEntry{}
	}
	writeJSON(w, http.StatusOK, contactsResp{Contacts: contacts})
}

// AddContact adds the path user to the caller's contact list.
func (s *Server) AddContact(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	contactID, err := uuid.Parse(chi.URLParam(r, "userId"))
	if err != nil {
		writeBadRequest(w, "invalid user id")
		return
	}
	if err := s.Store.AddContact(r.Context(), userID, contactID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveContact removes the path user from the caller's contact list.
func (s *Server) RemoveContact(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	contactID, err := uuid.Parse(chi.URLParam(r, "userId"))
	if err != nil {
		writeBadRequest(w, "invalid user id")
		return
	}
	if err := s.Store.RemoveContact(r.Context(), userID, contactID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
