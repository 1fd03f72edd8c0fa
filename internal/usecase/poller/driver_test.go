package poller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"support-bridge/internal/adapters/memstore"
	"support-bridge/internal/domain"
	"support-bridge/internal/usecase/ingest"
	"support-bridge/internal/usecase/notify"
)

const (
	adminUserID = int64(1)
	adminTGID   = int64(700)
)

type staticTokens struct {
	tokens []string
	calls  int
}

func (s *staticTokens) BotToken(context.Context) (string, error) {
	if len(s.tokens) == 0 {
		return "", nil
	}
	i := s.calls
	if i >= len(s.tokens) {
		i = len(s.tokens) - 1
	}
	s.calls++
	return s.tokens[i], nil
}

type failingGate struct {
	failAt  int64
	handled []int64
}

func (g *failingGate) HandleAndRecord(_ context.Context, _ string, upd domain.InboundUpdate) (ingest.Outcome, error) {
	g.handled = append(g.handled, upd.UpdateID)
	if upd.UpdateID == g.failAt {
		return "", errors.New("store unavailable")
	}
	return ingest.OutcomeAccepted, nil
}

type stubLease struct {
	grants   []bool
	released bool
}

func (l *stubLease) Acquire(context.Context) (bool, error) {
	if len(l.grants) == 0 {
		return true, nil
	}
	ok := l.grants[0]
	l.grants = l.grants[1:]
	return ok, nil
}

func (l *stubLease) Release(context.Context) error {
	l.released = true
	return nil
}

// flakyCursor отказывает в сохранении курсора для выбранных update_id.
type flakyCursor struct {
	*memstore.Store
	mu     sync.Mutex
	failAt map[int64]error
}

func (c *flakyCursor) SaveCursor(ctx context.Context, name string, updateID int64) error {
	c.mu.Lock()
	err := c.failAt[updateID]
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Store.SaveCursor(ctx, name, updateID)
}

func (c *flakyCursor) heal(updateID int64) {
	c.mu.Lock()
	delete(c.failAt, updateID)
	c.mu.Unlock()
}

type pollFixture struct {
	ctx       context.Context
	cancel    context.CancelFunc
	store     *memstore.Store
	messenger *memstore.Messenger
	gate      *ingest.Gate
	conv      domain.Conversation
	sleeps    []time.Duration
}

func newPollFixture(t *testing.T) *pollFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := memstore.New()
	store.PutUser(domain.User{ID: adminUserID, Role: domain.UserRoleAdmin})
	store.PutAdminLink(domain.AdminTelegramLink{UserID: adminUserID, TelegramUserID: adminTGID, IsActive: true})
	conv, err := store.FindOrCreateForGuest(ctx, "guest")
	require.NoError(t, err)

	messenger := &memstore.Messenger{OnEmpty: cancel}
	disp := notify.NewDispatcher(store, store, &memstore.Broadcaster{}, messenger, zerolog.Nop())
	gate := ingest.NewGate(store, store, store, disp, messenger, zerolog.Nop())
	return &pollFixture{ctx: ctx, cancel: cancel, store: store, messenger: messenger, gate: gate, conv: conv}
}

func (f *pollFixture) reply(id int64) domain.InboundUpdate {
	return domain.InboundUpdate{
		UpdateID: id,
		Message: &domain.InboundMessage{
			FromID: adminTGID,
			ChatID: adminTGID,
			Text:   fmt.Sprintf("/reply %d answer %d", f.conv.ID, id),
		},
	}
}

func (f *pollFixture) driver(gate Gate, tokens TokenSource, opts ...Option) *Driver {
	return f.driverWithCursor(f.store, gate, tokens, opts...)
}

func (f *pollFixture) driverWithCursor(cursor domain.CursorStore, gate Gate, tokens TokenSource, opts ...Option) *Driver {
	opts = append([]Option{WithSleep(func(_ context.Context, d time.Duration) {
		f.sleeps = append(f.sleeps, d)
	})}, opts...)
	return NewDriver(tokens, cursor, f.messenger, gate, Config{}, zerolog.Nop(), opts...)
}

func (f *pollFixture) cursor(t *testing.T) int64 {
	t.Helper()
	v, err := f.store.LoadCursor(context.Background(), CursorName)
	require.NoError(t, err)
	return v
}

func offsets(reqs []domain.PollRequest) []int64 {
	out := make([]int64, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Offset)
	}
	return out
}

func TestDriverProcessesBatchInOrder(t *testing.T) {
	f := newPollFixture(t)
	f.messenger.QueueUpdates(f.reply(3), f.reply(1), f.reply(2))

	err := f.driver(f.gate, &staticTokens{tokens: []string{"tok"}}).Run(f.ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, int64(3), f.cursor(t))
	msgs := f.store.Messages()
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		require.Equal(t, int64(i+1), *m.ExternalUpdateID)
	}

	reqs := f.messenger.Requests()
	require.Equal(t, []int64{1, 4}, offsets(reqs))
	require.Equal(t, "tok", reqs[0].Token)
	require.Equal(t, 25*time.Second, reqs[0].Timeout)
	require.Equal(t, []string{"message", "edited_message"}, reqs[0].AllowedUpdates)
	require.Empty(t, f.sleeps)
}

func TestDriverCursorStopsAtLastSuccessOnMidBatchFailure(t *testing.T) {
	f := newPollFixture(t)
	cursor := &flakyCursor{Store: f.store, failAt: map[int64]error{2: errors.New("disk full")}}
	f.messenger.QueueUpdates(f.reply(1), f.reply(2), f.reply(3))
	// Telegram повторно отдаёт всё, что не подтверждено offset'ом.
	f.messenger.QueueUpdates(f.reply(2), f.reply(3))

	d := f.driverWithCursor(cursor, f.gate, &staticTokens{tokens: []string{"tok"}}, WithSleep(func(_ context.Context, dur time.Duration) {
		require.Equal(t, int64(1), f.cursor(t), "cursor must not skip the failed update")
		cursor.heal(2)
		f.sleeps = append(f.sleeps, dur)
	}))
	require.ErrorIs(t, d.Run(f.ctx), context.Canceled)

	require.Equal(t, []time.Duration{3 * time.Second}, f.sleeps)
	require.Equal(t, []int64{1, 2, 4}, offsets(f.messenger.Requests()))
	require.Equal(t, int64(3), f.cursor(t))
	require.Len(t, f.store.Messages(), 3, "replayed update 2 is deduplicated")
}

func TestDriverGateErrorEndsBatch(t *testing.T) {
	f := newPollFixture(t)
	gate := &failingGate{failAt: 2}
	f.messenger.QueueUpdates(f.reply(1), f.reply(2), f.reply(3))

	require.ErrorIs(t, f.driver(gate, &staticTokens{tokens: []string{"tok"}}).Run(f.ctx), context.Canceled)

	require.Equal(t, []int64{1, 2}, gate.handled)
	require.Equal(t, int64(1), f.cursor(t))
	require.Equal(t, []time.Duration{3 * time.Second}, f.sleeps)
	require.Equal(t, []int64{1, 2}, offsets(f.messenger.Requests()))
}

func TestDriverFetchErrorBacksOff(t *testing.T) {
	f := newPollFixture(t)
	f.messenger.FetchErr = []error{errors.New("bad gateway")}
	f.messenger.QueueUpdates(f.reply(5))

	require.ErrorIs(t, f.driver(f.gate, &staticTokens{tokens: []string{"tok"}}).Run(f.ctx), context.Canceled)

	require.Equal(t, []time.Duration{3 * time.Second}, f.sleeps)
	require.Equal(t, []int64{1, 1, 6}, offsets(f.messenger.Requests()))
	require.Equal(t, int64(5), f.cursor(t))
}

func TestDriverReportsWebhookConflict(t *testing.T) {
	f := newPollFixture(t)
	f.messenger.FetchErr = []error{fmt.Errorf("%w: %w", domain.ErrExternalService, domain.ErrPollConflict)}
	var logs bytes.Buffer

	d := NewDriver(&staticTokens{tokens: []string{"tok"}}, f.store, f.messenger, f.gate, Config{}, zerolog.New(&logs),
		WithSleep(func(_ context.Context, dur time.Duration) { f.sleeps = append(f.sleeps, dur) }))
	require.ErrorIs(t, d.Run(f.ctx), context.Canceled)

	require.Equal(t, []time.Duration{3 * time.Second}, f.sleeps)
	require.Contains(t, logs.String(), `"level":"error"`)
	require.Contains(t, logs.String(), "вебхук")
}

func TestDriverWaitsForToken(t *testing.T) {
	f := newPollFixture(t)
	tokens := &staticTokens{tokens: []string{"", "tok"}}

	require.ErrorIs(t, f.driver(f.gate, tokens).Run(f.ctx), context.Canceled)

	require.Equal(t, []time.Duration{30 * time.Second}, f.sleeps)
	reqs := f.messenger.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "tok", reqs[0].Token)
}

func TestDriverSkipsUpdatesAlreadyDeliveredByWebhook(t *testing.T) {
	f := newPollFixture(t)
	upd := f.reply(9)
	outcome, err := f.gate.HandleAndRecord(f.ctx, "webhook", upd)
	require.NoError(t, err)
	require.Equal(t, ingest.OutcomeAccepted, outcome)

	f.messenger.QueueUpdates(upd)
	require.ErrorIs(t, f.driver(f.gate, &staticTokens{tokens: []string{"tok"}}).Run(f.ctx), context.Canceled)

	require.Len(t, f.store.Messages(), 1)
	require.Equal(t, int64(9), f.cursor(t))
	require.Len(t, f.messenger.SentTo(adminTGID), 1, "only the webhook path confirmed")
}

func TestDriverLease(t *testing.T) {
	f := newPollFixture(t)
	lease := &stubLease{grants: []bool{false, true}}

	require.ErrorIs(t, f.driver(f.gate, &staticTokens{tokens: []string{"tok"}}, WithLease(lease)).Run(f.ctx), context.Canceled)

	require.Equal(t, []time.Duration{3 * time.Second}, f.sleeps)
	require.Len(t, f.messenger.Requests(), 1)
	require.True(t, lease.released)
}

func TestDriverStopsOnCancelledContext(t *testing.T) {
	f := newPollFixture(t)
	f.cancel()
	require.ErrorIs(t, f.driver(f.gate, &staticTokens{tokens: []string{"tok"}}).Run(f.ctx), context.Canceled)
	require.Empty(t, f.messenger.Requests())
}
