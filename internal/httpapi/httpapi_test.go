package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/emberchat/ember/internal/auth"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func authedRequest(method, target string, userID uuid.UUID) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	return req.WithContext(auth.WithIdentity(req.Context(), userID, uuid.New()))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (raw %q)", err, rec.Body.String())
	}
	return body
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty uses default", "", 50},
		{"valid", "25", 25},
		{"zero uses default", "0", 50},
		{"negative uses default", "-3", 50},
		{"garbage uses default", "abc", 50},
		{"above max clamps", "500", 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseLimit(tt.in, 50, 100); got != tt.want {
				t.Errorf("parseLimit(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	s := &Server{}
	rec := httptest.NewRecorder()
	s.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", rec.Body.String())
	}
}

func TestListMessagesRejectsBadParams(t *testing.T) {
	s := &Server{}
	userID := uuid.New()

	r := chi.NewRouter()
	r.Get("/v1/conversations/{id}/messages", s.ListMessages)

	t.Run("invalid conversation id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/conversations/not-a-uuid/messages", userID))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if body := decodeError(t, rec); body.Code != "invalid_input" {
			t.Errorf("code = %q, want invalid_input", body.Code)
		}
	})

	t.Run("invalid cursor", func(t *testing.T) {
		target := "/v1/conversations/" + uuid.New().String() + "/messages?cursor=%21%21%21"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, authedRequest(http.MethodGet, target, userID))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if body := decodeError(t, rec); body.Error == "" {
			t.Error("error body missing message")
		}
	})
}

func TestSearchRequiresQuery(t *testing.T) {
	s := &Server{}
	rec := httptest.NewRecorder()
	s.SearchMessages(rec, authedRequest(http.MethodGet, "/v1/search/messages?q=++", uuid.New()))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != "invalid_input" {
		t.Errorf("code = %q, want invalid_input", body.Code)
	}
}

func TestRateLimitEnforced(t *testing.T) {
	const perMinute = 60 // burst 12

	handler := RateLimit(perMinute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	userID := uuid.New()
	var limited *httptest.ResponseRecorder
	for i := 0; i < perMinute; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/conversations", userID))
		if rec.Code == http.StatusTooManyRequests {
			limited = rec
			break
		}
	}
	if limited == nil {
		t.Fatal("burst was never limited")
	}
	if limited.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After")
	}
	if body := decodeError(t, limited); body.Code != "rate_limited" {
		t.Errorf("code = %q, want rate_limited", body.Code)
	}
}

func TestRateLimitIsPerUser(t *testing.T) {
	handler := RateLimit(60)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	// Exhaust one user's burst.
	greedy := uuid.New()
	for i := 0; i < 60; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/", greedy))
		if rec.Code == http.StatusTooManyRequests {
			break
		}
	}

	// Another user still has a full bucket.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodGet, "/", uuid.New()))
	if rec.Code != http.StatusNoContent {
		t.Errorf("second user limited by first user's burst: %d", rec.Code)
	}
}
