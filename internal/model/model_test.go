package model

import (
	"strings"
	"testing"
	"time"
)

func TestValidUsername(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"simple", "alice", true},
		{"with digits and underscore", "bob_42", true},
		{"minimum length", "abc", true},
		{"maximum length", strings.Repeat("a", 50), true},
		{"too short", "ab", false},
		{"too long", strings.Repeat("a", 51), false},
		{"spaces", "a b c", false},
		{"hyphen", "a-b-c", false},
		{"unicode", "ålice", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidUsername(tt.in); got != tt.want {
				t.Errorf("ValidUsername(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidEmoji(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"single emoji", "👍", true},
		{"short text alias", ":sob:", true},
		{"ten runes", strings.Repeat("x", 10), true},
		{"eleven runes", strings.Repeat("x", 11), false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidEmoji(tt.in); got != tt.want {
				t.Errorf("ValidEmoji(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDeliveryStatusRankIsMonotonic(t *testing.T) {
	if !(DeliverySent.Rank() < DeliveryDelivered.Rank()) {
		t.Error("sent must rank below delivered")
	}
	if !(DeliveryDelivered.Rank() < DeliveryRead.Rank()) {
		t.Error("delivered must rank below read")
	}
}

func TestSessionLoggedIn(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		sess Session
		want bool
	}{
		{"active unexpired", Session{Active: true, ExpiresAt: now.Add(time.Hour)}, true},
		{"revoked", Session{Active: false, ExpiresAt: now.Add(time.Hour)}, false},
		{"expired", Session{Active: true, ExpiresAt: now.Add(-time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sess.LoggedIn(now); got != tt.want {
				t.Errorf("LoggedIn() = %v, want %v", got, tt.want)
			}
		})
	}
}
