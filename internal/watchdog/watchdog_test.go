package watchdog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticketd/ticketd/internal/common/config"
	"github.com/ticketd/ticketd/internal/common/logger"
	"github.com/ticketd/ticketd/internal/events/bus"
	"github.com/ticketd/ticketd/internal/notify"
	"github.com/ticketd/ticketd/internal/store"
)

type fakeAux struct {
	verdict string
	err     error
	calls   int
}

func (f *fakeAux) Invoke(context.Context, string) (string, error) {
	f.calls++
	return f.verdict, f.err
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		in     string
		reason string
		stuck  bool
	}{
		{"CONTINUE", "", false},
		{"continue", "", false},
		{"STUCK: looping on the same test failure", "looping on the same test failure", true},
		{"stuck: retrying migrations", "retrying migrations", true},
		{"STUCK:", "no reason given", true},
		{"STUCK", "no reason given", true},
		{"STUCK: first line\nsecond line ignored", "first line", true},
		{"  STUCK: padded  ", "padded", true},
		{"The agent seems fine to me", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		reason, stuck := parseVerdict(tc.in)
		assert.Equal(t, tc.stuck, stuck, "input %q", tc.in)
		assert.Equal(t, tc.reason, reason, "input %q", tc.in)
	}
}

func newSweepFixture(t *testing.T, aux *fakeAux) (*Watchdog, *store.Store, *store.Ticket) {
	t.Helper()
	log := logger.Default()
	ctx := context.Background()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	project := &store.Project{Name: "Shop", Code: "WEB", Type: "web", Model: "sonnet"}
	require.NoError(t, st.CreateProject(ctx, project))
	ticket := &store.Ticket{ProjectID: project.ID, Title: "Endless refactor"}
	require.NoError(t, st.CreateTicket(ctx, ticket))
	require.NoError(t, st.UpdateTicketStatus(ctx, ticket.ID, store.StatusInProgress))

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	telegram := notify.NewTelegramClient(config.TelegramConfig{}, log)
	email := notify.NewEmailSender(config.SMTPConfig{}, log)
	notifier := notify.NewNotifier(config.NotificationsConfig{}, telegram, email, log)

	cfg := config.WatchdogConfig{Interval: 30, MinMessages: 3, LastN: 10}
	return New(cfg, st, aux, eventBus, notifier, log), st, ticket
}

func fillTranscript(t *testing.T, st *store.Store, ticketID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, st.AppendMessage(context.Background(), &store.ConversationMessage{
			TicketID: ticketID,
			Role:     "assistant",
			Content:  fmt.Sprintf("retrying the same migration, attempt %d", i),
		}))
	}
}

func TestSweepMarksStuckTicket(t *testing.T) {
	aux := &fakeAux{verdict: "STUCK: repeating the same failing migration"}
	wd, st, ticket := newSweepFixture(t, aux)
	ctx := context.Background()
	fillTranscript(t, st, ticket.ID, 5)

	session, err := st.StartSession(ctx, ticket.ID)
	require.NoError(t, err)

	wd.Sweep(ctx)

	assert.Equal(t, 1, aux.calls)

	got, err := st.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStuck, got.Status)

	closed, err := st.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStuck, closed.Status)

	msgs, err := st.ListRecentMessages(ctx, ticket.ID, 20)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, "system", last.Role)
	assert.Contains(t, last.Content, "repeating the same failing migration")
}

func TestSweepLeavesProgressingTicketAlone(t *testing.T) {
	aux := &fakeAux{verdict: "CONTINUE"}
	wd, st, ticket := newSweepFixture(t, aux)
	ctx := context.Background()
	fillTranscript(t, st, ticket.ID, 5)

	wd.Sweep(ctx)

	assert.Equal(t, 1, aux.calls)
	got, err := st.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)
}

func TestSweepSkipsShortTranscripts(t *testing.T) {
	aux := &fakeAux{verdict: "STUCK: should never be asked"}
	wd, st, ticket := newSweepFixture(t, aux)
	ctx := context.Background()
	fillTranscript(t, st, ticket.ID, 2) // below MinMessages

	wd.Sweep(ctx)

	assert.Zero(t, aux.calls)
	got, err := st.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)
}

func TestSweepToleratesAnalyzerFailure(t *testing.T) {
	aux := &fakeAux{err: fmt.Errorf("model timeout")}
	wd, st, ticket := newSweepFixture(t, aux)
	ctx := context.Background()
	fillTranscript(t, st, ticket.ID, 5)

	wd.Sweep(ctx)

	got, err := st.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status, "an analyzer error never flips a ticket")
}
