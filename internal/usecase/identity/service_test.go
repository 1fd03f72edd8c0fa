package identity

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"support-bridge/internal/adapters/memstore"
	"support-bridge/internal/domain"
)

func newService(t *testing.T) (*Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	svc := NewService(store)
	svc.newToken = func() string { return "minted-token" }
	return svc, store
}

func ptr(v int64) *int64 { return &v }

func TestPickGuestTokenPrecedence(t *testing.T) {
	tests := []struct {
		name                 string
		header, body, cookie string
		want                 string
		ok                   bool
	}{
		{name: "header wins", header: "h1", body: "b1", cookie: "c1", want: "h1", ok: true},
		{name: "body over cookie", body: "b1", cookie: "c1", want: "b1", ok: true},
		{name: "cookie only", cookie: "c1", want: "c1", ok: true},
		{name: "blank header skipped", header: "   ", cookie: "c1", want: "c1", ok: true},
		{name: "malformed header skipped", header: "bad token!", body: "b_1-x", want: "b_1-x", ok: true},
		{name: "too long skipped", header: strings.Repeat("a", MaxGuestTokenLength+1), cookie: "c1", want: "c1", ok: true},
		{name: "max length accepted", header: strings.Repeat("a", MaxGuestTokenLength), want: strings.Repeat("a", MaxGuestTokenLength), ok: true},
		{name: "none usable", header: "../etc", body: "", cookie: "ключ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PickGuestToken(tt.header, tt.body, tt.cookie)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestResolveAuthenticatedUser(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	first, err := svc.Resolve(ctx, Request{UserID: ptr(5), HeaderToken: "ignored"})
	require.NoError(t, err)
	require.Empty(t, first.GuestToken)
	require.Equal(t, domain.SenderUser, first.SenderType())
	require.True(t, first.Conversation.OwnedByUser(5))

	second, err := svc.Resolve(ctx, Request{UserID: ptr(5), ConversationID: ptr(first.Conversation.ID)})
	require.NoError(t, err)
	require.Equal(t, first.Conversation.ID, second.Conversation.ID)
	require.Len(t, store.Conversations(), 1)
}

func TestResolveGuestMintsAndReuses(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	minted, err := svc.Resolve(ctx, Request{})
	require.NoError(t, err)
	require.True(t, minted.Minted)
	require.Equal(t, "minted-token", minted.GuestToken)
	require.Equal(t, domain.SenderGuest, minted.SenderType())
	require.NoError(t, minted.Conversation.Validate())

	again, err := svc.Resolve(ctx, Request{CookieToken: minted.GuestToken})
	require.NoError(t, err)
	require.False(t, again.Minted)
	require.Equal(t, minted.Conversation.ID, again.Conversation.ID)
	require.Len(t, store.Conversations(), 1)
}

func TestResolveRejectsForeignConversation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	owner, err := svc.Resolve(ctx, Request{UserID: ptr(1)})
	require.NoError(t, err)
	guest, err := svc.Resolve(ctx, Request{HeaderToken: "guest-a"})
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, Request{HeaderToken: "guest-a", ConversationID: ptr(owner.Conversation.ID)})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Resolve(ctx, Request{UserID: ptr(2), ConversationID: ptr(guest.Conversation.ID)})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Resolve(ctx, Request{HeaderToken: "guest-b", ConversationID: ptr(999)})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolveIdentityExclusivity(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	for _, req := range []Request{
		{UserID: ptr(1)},
		{UserID: ptr(1)},
		{HeaderToken: "g1"},
		{BodyToken: "g1"},
		{CookieToken: "g2"},
	} {
		_, err := svc.Resolve(ctx, req)
		require.NoError(t, err)
	}
	convs := store.Conversations()
	require.Len(t, convs, 3)
	for _, c := range convs {
		require.NoError(t, c.Validate())
	}
}

func TestResolveRejectedRequestCreatesNothing(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Resolve(ctx, Request{ConversationID: ptr(999)})
		require.ErrorIs(t, err, domain.ErrNotFound)
	}
	_, err := svc.Resolve(ctx, Request{HeaderToken: "fresh-guest", ConversationID: ptr(999)})
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = svc.Resolve(ctx, Request{UserID: ptr(3), ConversationID: ptr(999)})
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Empty(t, store.Conversations())

	owned, err := svc.Resolve(ctx, Request{CookieToken: "fresh-guest"})
	require.NoError(t, err)
	again, err := svc.Resolve(ctx, Request{CookieToken: "fresh-guest", ConversationID: ptr(owned.Conversation.ID)})
	require.NoError(t, err)
	require.Equal(t, owned.Conversation.ID, again.Conversation.ID)
	require.False(t, again.Minted)
	require.Len(t, store.Conversations(), 1)
}
