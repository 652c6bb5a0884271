package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticketd/ticketd/internal/common/config"
	"github.com/ticketd/ticketd/internal/common/logger"
	"github.com/ticketd/ticketd/internal/store"
)

type fakeAux struct {
	answer string
	calls  int
}

func (f *fakeAux) Invoke(context.Context, string) (string, error) {
	f.calls++
	return f.answer, nil
}

// botServer captures every sendMessage text the poller emits.
type botServer struct {
	*httptest.Server
	mu    sync.Mutex
	texts []string
}

func newBotServer(t *testing.T) *botServer {
	t.Helper()
	bs := &botServer{}
	bs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		bs.mu.Lock()
		bs.texts = append(bs.texts, payload.Text)
		bs.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"result":{}}`)
	}))
	t.Cleanup(bs.Close)
	return bs
}

func (bs *botServer) sent() []string {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return append([]string(nil), bs.texts...)
}

func newPollerFixture(t *testing.T, aux *fakeAux) (*InboundPoller, *store.Store, *botServer) {
	t.Helper()
	log := logger.Default()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bs := newBotServer(t)
	cfg := config.TelegramConfig{BotToken: "test-token", ChatID: "42", PollInterval: 10}
	telegram := NewTelegramClient(cfg, log)
	telegram.baseURL = bs.URL

	return NewInboundPoller(cfg, st, telegram, aux, log), st, bs
}

func seedAwaitingTicket(t *testing.T, st *store.Store) *store.Ticket {
	t.Helper()
	ctx := context.Background()
	p := &store.Project{Name: "Shop", Code: "WEB", Type: "web", Model: "sonnet"}
	require.NoError(t, st.CreateProject(ctx, p))
	tk := &store.Ticket{ProjectID: p.ID, Title: "Fix cart"}
	require.NoError(t, st.CreateTicket(ctx, tk))
	require.NoError(t, st.UpdateTicketStatus(ctx, tk.ID, store.StatusAwaitingInput))
	return tk
}

func replyUpdate(repliedText, text string) Update {
	return Update{
		UpdateID: 1,
		Message: &UpdateMessage{
			MessageID:      2,
			Text:           text,
			From:           &UpdateUser{Username: "alice"},
			Chat:           &UpdateChat{ID: 42},
			ReplyToMessage: &UpdateMessage{MessageID: 1, Text: repliedText},
		},
	}
}

func TestTicketNumberPattern(t *testing.T) {
	assert.Equal(t, "WEB-0012", ticketNumberPattern.FindString("Ticket WEB-0012 is done"))
	assert.Equal(t, "API2-5", ticketNumberPattern.FindString("see API2-5 please"))
	assert.Empty(t, ticketNumberPattern.FindString("no ticket here"))
	assert.Empty(t, ticketNumberPattern.FindString("lowercase web-12"))
}

func TestNonReplyGetsGuidance(t *testing.T) {
	p, _, bs := newPollerFixture(t, &fakeAux{})

	p.handleUpdate(context.Background(), Update{
		UpdateID: 1,
		Message: &UpdateMessage{
			Text: "hello bot",
			Chat: &UpdateChat{ID: 42},
		},
	})

	sent := bs.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, guidanceText, sent[0])
}

func TestReplyWithoutTicketNumberGetsGuidance(t *testing.T) {
	p, _, bs := newPollerFixture(t, &fakeAux{})

	p.handleUpdate(context.Background(), replyUpdate("some notification without a number", "ok"))

	sent := bs.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, guidanceText, sent[0])
}

func TestReplyReopensAwaitingTicket(t *testing.T) {
	p, st, bs := newPollerFixture(t, &fakeAux{})
	ctx := context.Background()
	tk := seedAwaitingTicket(t, st)

	p.handleUpdate(ctx, replyUpdate("WEB-0001 is awaiting your review", "looks wrong, fix the rounding"))

	got, err := st.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOpen, got.Status)

	msgs, err := st.ListRecentMessages(ctx, tk.ID, 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "[Via Telegram from alice] looks wrong, fix the rounding", msgs[0].Content)

	sent := bs.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "back in the queue")
}

func TestQuestionDoesNotChangeState(t *testing.T) {
	aux := &fakeAux{answer: "The agent rewrote the tax calculation."}
	p, st, bs := newPollerFixture(t, aux)
	ctx := context.Background()
	tk := seedAwaitingTicket(t, st)

	p.handleUpdate(ctx, replyUpdate("WEB-0001 is awaiting your review", "what changed?"))

	assert.Equal(t, 1, aux.calls)

	got, err := st.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAwaitingInput, got.Status, "questions never reopen the ticket")

	count, err := st.CountMessages(ctx, tk.ID)
	require.NoError(t, err)
	assert.Zero(t, count, "questions are not recorded in the transcript")

	sent := bs.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, aux.answer, sent[0])
}

func TestQuestionPrefixAlsoDetected(t *testing.T) {
	aux := &fakeAux{answer: "still running"}
	p, st, _ := newPollerFixture(t, aux)
	ctx := context.Background()
	tk := seedAwaitingTicket(t, st)

	p.handleUpdate(ctx, replyUpdate("WEB-0001 done", "? status"))

	assert.Equal(t, 1, aux.calls)
	got, err := st.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAwaitingInput, got.Status)
}

func TestUnknownTicketNumberReported(t *testing.T) {
	p, _, bs := newPollerFixture(t, &fakeAux{})

	p.handleUpdate(context.Background(), replyUpdate("ZZZ-9999 finished", "ok"))

	sent := bs.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "could not find ticket ZZZ-9999")
}
