package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want UserRole
	}{
		{name: "admin", raw: "admin", want: UserRoleAdmin},
		{name: "admin mixed case", raw: " Admin ", want: UserRoleAdmin},
		{name: "user", raw: "user", want: UserRoleUser},
		{name: "unknown falls back to user", raw: "moderator", want: UserRoleUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRole(tt.raw); got != tt.want {
				t.Fatalf("ParseRole(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestConversationOwnerInvariant(t *testing.T) {
	userID := int64(7)
	token := "guest-token"
	empty := ""
	tests := []struct {
		name    string
		conv    Conversation
		wantErr bool
	}{
		{name: "user only", conv: Conversation{UserID: &userID}},
		{name: "guest only", conv: Conversation{GuestToken: &token}},
		{name: "both", conv: Conversation{UserID: &userID, GuestToken: &token}, wantErr: true},
		{name: "neither", conv: Conversation{}, wantErr: true},
		{name: "empty guest token", conv: Conversation{GuestToken: &empty}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.conv.Validate()
			if tt.wantErr && !errors.Is(err, ErrOwnerInvariant) {
				t.Fatalf("expected owner invariant error, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestAudienceChannels(t *testing.T) {
	userID := int64(15)
	token := "abc"
	if got := AudienceChannels(Conversation{UserID: &userID}); len(got) != 2 || got[0] != ChannelAdmin || got[1] != "support.user.15" {
		t.Fatalf("unexpected user channels: %v", got)
	}
	if got := AudienceChannels(Conversation{GuestToken: &token}); len(got) != 2 || got[1] != "support.guest.abc" {
		t.Fatalf("unexpected guest channels: %v", got)
	}
}

func TestNormalizeBody(t *testing.T) {
	body, err := NormalizeBody("  привет \n")
	if err != nil || body != "привет" {
		t.Fatalf("unexpected result %q, %v", body, err)
	}
	if _, err := NormalizeBody(" \t "); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("expected empty body error, got %v", err)
	}
	if _, err := NormalizeBody(strings.Repeat("я", MaxMessageBodyLength)); err != nil {
		t.Fatalf("body at the limit must pass: %v", err)
	}
	if _, err := NormalizeBody(strings.Repeat("я", MaxMessageBodyLength+1)); !errors.Is(err, ErrBodyTooLong) {
		t.Fatalf("expected too long error, got %v", err)
	}
}
