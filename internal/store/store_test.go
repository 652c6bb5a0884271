package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticketd/ticketd/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestProject(t *testing.T, s *Store, code string) *Project {
	t.Helper()
	p := &Project{Name: "Test " + code, Code: code, Type: "web", Model: "sonnet"}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func TestTicketNumberAllocation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s, "web")

	first := &Ticket{ProjectID: p.ID, Title: "first"}
	require.NoError(t, s.CreateTicket(ctx, first))
	assert.Equal(t, "WEB-0001", first.TicketNumber)

	for i := 2; i <= 10; i++ {
		tk := &Ticket{ProjectID: p.ID, Title: fmt.Sprintf("t%d", i)}
		require.NoError(t, s.CreateTicket(ctx, tk))
	}
	tenth, err := s.GetTicketByNumber(ctx, "WEB-0010")
	require.NoError(t, err)
	assert.Equal(t, "t10", tenth.Title)
}

func TestTicketNumberWidthGrows(t *testing.T) {
	// The zero padding is a minimum, not a cap.
	assert.Equal(t, "WEB-10000", fmt.Sprintf("%s-%04d", "WEB", 10000))
}

func TestNextTicketPriorityOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s, "API")

	medium := &Ticket{ProjectID: p.ID, Title: "medium", Priority: PriorityMedium}
	require.NoError(t, s.CreateTicket(ctx, medium))
	critical := &Ticket{ProjectID: p.ID, Title: "critical", Priority: PriorityCritical}
	require.NoError(t, s.CreateTicket(ctx, critical))

	next, err := s.NextTicketForProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, critical.ID, next.ID, "critical claims before medium despite later creation")
}

func TestNextTicketSkipsTerminalStatuses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s, "WEB")

	tk := &Ticket{ProjectID: p.ID, Title: "done one"}
	require.NoError(t, s.CreateTicket(ctx, tk))
	require.NoError(t, s.CloseTicket(ctx, tk.ID, "manual"))

	_, err := s.NextTicketForProject(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoverStartup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s, "WEB")

	running := &Ticket{ProjectID: p.ID, Title: "was running"}
	require.NoError(t, s.CreateTicket(ctx, running))
	require.NoError(t, s.UpdateTicketStatus(ctx, running.ID, StatusInProgress))
	session, err := s.StartSession(ctx, running.ID)
	require.NoError(t, err)

	recentFail := &Ticket{ProjectID: p.ID, Title: "failed recently"}
	require.NoError(t, s.CreateTicket(ctx, recentFail))
	require.NoError(t, s.FailTicket(ctx, recentFail.ID, "boom"))

	require.NoError(t, s.RecoverStartup(ctx))

	got, err := s.GetTicket(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)

	got, err = s.GetTicket(ctx, recentFail.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status, "failures within the last hour reopen")

	sess, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStuck, sess.Status)
	assert.True(t, sess.EndedAt.Valid)
}

func TestAutoCloseExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s, "WEB")

	expired := &Ticket{ProjectID: p.ID, Title: "expired"}
	require.NoError(t, s.CreateTicket(ctx, expired))
	require.NoError(t, s.SetReviewDeadline(ctx, expired.ID, time.Now().Add(-time.Hour)))

	fresh := &Ticket{ProjectID: p.ID, Title: "fresh"}
	require.NoError(t, s.CreateTicket(ctx, fresh))
	require.NoError(t, s.SetReviewDeadline(ctx, fresh.ID, time.Now().Add(time.Hour)))

	closed, err := s.AutoCloseExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, expired.ID, closed[0].ID)

	got, err := s.GetTicket(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, CloseReasonAutoExpired, got.CloseReason.String)

	got, err = s.GetTicket(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingInput, got.Status)
}

func TestResetOrphaned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	withWorker := newTestProject(t, s, "AAA")
	orphaned := newTestProject(t, s, "BBB")

	t1 := &Ticket{ProjectID: withWorker.ID, Title: "alive"}
	require.NoError(t, s.CreateTicket(ctx, t1))
	require.NoError(t, s.UpdateTicketStatus(ctx, t1.ID, StatusInProgress))
	t2 := &Ticket{ProjectID: orphaned.ID, Title: "orphan"}
	require.NoError(t, s.CreateTicket(ctx, t2))
	require.NoError(t, s.UpdateTicketStatus(ctx, t2.ID, StatusInProgress))

	n, err := s.ResetOrphaned(ctx, []string{withWorker.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetTicket(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	got, err = s.GetTicket(ctx, t2.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
}

func TestTakePendingUserMessagesExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s, "WEB")
	tk := &Ticket{ProjectID: p.ID, Title: "queue"}
	require.NoError(t, s.CreateTicket(ctx, tk))

	require.NoError(t, s.EnqueueUserMessage(ctx, tk.ID, "please use tabs", UserMessageText))
	require.NoError(t, s.EnqueueUserMessage(ctx, tk.ID, "/stop", UserMessageCommand))

	first, err := s.TakePendingUserMessages(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "please use tabs", first[0].Content)

	second, err := s.TakePendingUserMessages(ctx, tk.ID)
	require.NoError(t, err)
	assert.Empty(t, second, "processed rows are never re-read")
}

func TestAppendMessageTruncationAndEstimate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s, "WEB")
	tk := &Ticket{ProjectID: p.ID, Title: "long"}
	require.NoError(t, s.CreateTicket(ctx, tk))

	long := strings.Repeat("x", 60000)
	m := &ConversationMessage{TicketID: tk.ID, Role: "assistant", Content: long}
	require.NoError(t, s.AppendMessage(ctx, m))
	assert.Len(t, m.Content, 50000)
	assert.Equal(t, 12500, m.TokenCount, "ceil(50000/4)")
}

func TestExtractionMarksCoveredAndIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s, "WEB")
	tk := &Ticket{ProjectID: p.ID, Title: "history"}
	require.NoError(t, s.CreateTicket(ctx, tk))

	var ids []string
	for i := 0; i < 3; i++ {
		m := &ConversationMessage{TicketID: tk.ID, Role: "assistant", Content: fmt.Sprintf("msg %d", i)}
		require.NoError(t, s.AppendMessage(ctx, m))
		ids = append(ids, m.ID)
	}

	e := &ConversationExtraction{
		TicketID:           tk.ID,
		CurrentStatus:      "halfway",
		CoversMsgFromID:    ids[0],
		CoversMsgToID:      ids[2],
		MessagesSummarized: 3,
	}
	require.NoError(t, s.CreateExtraction(ctx, e, ids))

	remaining, err := s.ListUnsummarizedMessages(ctx, tk.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// Re-marking the same range changes nothing.
	e2 := &ConversationExtraction{
		TicketID:        tk.ID,
		CurrentStatus:   "again",
		CoversMsgFromID: ids[0],
		CoversMsgToID:   ids[2],
	}
	require.NoError(t, s.CreateExtraction(ctx, e2, ids))
	remaining, err = s.ListUnsummarizedMessages(ctx, tk.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	latest, err := s.LatestExtraction(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "again", latest.CurrentStatus)
}

func TestKnowledgeMergeDedupesAndCaps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s, "WEB")

	require.NoError(t, s.MergeKnowledge(ctx, p.ID, &Knowledge{
		Gotchas:   []string{"cache must be cleared", "cache must be cleared"},
		Decisions: []string{"use sqlite"},
	}))
	require.NoError(t, s.MergeKnowledge(ctx, p.ID, &Knowledge{
		Gotchas: []string{"cache must be cleared", "env file is required"},
	}))

	k, err := s.GetKnowledge(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"cache must be cleared", "env file is required"}, k.Gotchas)
	assert.Equal(t, []string{"use sqlite"}, k.Decisions)

	var many []string
	for i := 0; i < 30; i++ {
		many = append(many, fmt.Sprintf("gotcha %02d", i))
	}
	require.NoError(t, s.MergeKnowledge(ctx, p.ID, &Knowledge{Gotchas: many}))
	k, err = s.GetKnowledge(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, k.Gotchas, 20, "capped at 20 newest per category")
	assert.Equal(t, "gotcha 29", k.Gotchas[len(k.Gotchas)-1])
}

func TestUserPreferencesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetUserPreferences(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutUserPreferences(ctx, &UserPreferences{
		Language:      "English",
		ResponseStyle: "concise",
		SkillLevel:    "senior",
	}))
	p, err := s.GetUserPreferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, "concise", p.ResponseStyle)
	assert.Equal(t, "[]", p.Quirks)

	// A second put replaces the single row.
	require.NoError(t, s.PutUserPreferences(ctx, &UserPreferences{
		Language: "German",
		Quirks:   `["prefers tabs"]`,
	}))
	p, err = s.GetUserPreferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, "German", p.Language)
	assert.Equal(t, `["prefers tabs"]`, p.Quirks)
	assert.Empty(t, p.ResponseStyle)
}

func TestProjectMapExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s, "WEB")

	require.NoError(t, s.PutProjectMap(ctx, &ProjectMap{ProjectID: p.ID, Tree: "src/\n", Language: "Go"}))

	m, err := s.GetProjectMap(ctx, p.ID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "Go", m.Language)

	_, err = s.GetProjectMap(ctx, p.ID, 0)
	assert.ErrorIs(t, err, ErrNotFound, "expired map is treated as absent")
}

func TestListActiveProjectsWithOpenTickets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	busy := newTestProject(t, s, "AAA")
	urgent := newTestProject(t, s, "BBB")
	idle := newTestProject(t, s, "CCC")

	require.NoError(t, s.CreateTicket(ctx, &Ticket{ProjectID: busy.ID, Title: "m", Priority: PriorityMedium}))
	require.NoError(t, s.CreateTicket(ctx, &Ticket{ProjectID: urgent.ID, Title: "c", Priority: PriorityCritical}))
	_ = idle

	projects, err := s.ListActiveProjectsWithOpenTickets(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, urgent.ID, projects[0].ID, "best open priority orders projects")
}
