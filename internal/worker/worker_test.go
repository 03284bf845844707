package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teams-messenger/internal/db"
	"teams-messenger/internal/graph"
	"teams-messenger/internal/metrics"
	"teams-messenger/internal/models"
)

type sendCall struct {
	Method string
	Target string
	Body   string
}

type fakeSender struct {
	calls       []sendCall
	errs        []error
	groups      map[string]string
	invalidated int
}

func (f *fakeSender) next(method, target, body string) error {
	f.calls = append(f.calls, sendCall{Method: method, Target: target, Body: body})
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeSender) SendMessageToUser(_ context.Context, email, htmlContent string) error {
	return f.next("user_message", email, htmlContent)
}

func (f *fakeSender) SendMessageToGroup(_ context.Context, chatID, htmlContent string) error {
	return f.next("group_message", chatID, htmlContent)
}

func (f *fakeSender) SendAdaptiveCardToUser(_ context.Context, email string, card any) (*graph.SentMessage, error) {
	raw, _ := json.Marshal(card)
	if err := f.next("user_card", email, string(raw)); err != nil {
		return nil, err
	}
	return &graph.SentMessage{ID: "M1", ChatID: "C-" + email}, nil
}

func (f *fakeSender) SendAdaptiveCardToGroup(_ context.Context, chatID string, card any) (*graph.SentMessage, error) {
	raw, _ := json.Marshal(card)
	if err := f.next("group_card", chatID, string(raw)); err != nil {
		return nil, err
	}
	return &graph.SentMessage{ID: "M1", ChatID: chatID}, nil
}

func (f *fakeSender) GetChatIDByGroupName(_ context.Context, name string) (string, error) {
	if id, ok := f.groups[name]; ok {
		return id, nil
	}
	return "", &graph.Error{Kind: graph.ErrNotFound, Op: "list_chats"}
}

func (f *fakeSender) InvalidateToken() {
	f.invalidated++
}

type fakeStore struct {
	targets map[string]*models.ChatTarget
	cached  map[string]string
	records []models.JobRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{targets: map[string]*models.ChatTarget{}, cached: map[string]string{}}
}

func (s *fakeStore) GetTarget(_ context.Context, appTag string) (*models.ChatTarget, error) {
	target, ok := s.targets[appTag]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *target
	return &copied, nil
}

func (s *fakeStore) SetTargetChatID(_ context.Context, appTag, chatID string) error {
	s.cached[appTag] = chatID
	s.targets[appTag].ChatID = chatID
	return nil
}

func (s *fakeStore) RecordJob(_ context.Context, record models.JobRecord) (int64, error) {
	s.records = append(s.records, record)
	return int64(len(s.records)), nil
}

func newTestWorker(sender Sender, store Store) (*Worker, *[]time.Duration) {
	logger, _ := test.NewNullLogger()
	w := newWorker(sender, store, metrics.NewMetrics(), logger)
	var slept []time.Duration
	w.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return w, &slept
}

func httpError(kind error, status int, retryAfter time.Duration) error {
	return &graph.Error{Kind: kind, Op: "send_message", StatusCode: status, Body: http.StatusText(status), RetryAfter: retryAfter}
}

func TestProcessDispatchesByKind(t *testing.T) {
	card := json.RawMessage(`{"type":"AdaptiveCard","version":"1.4"}`)

	for _, test := range []struct {
		Name           string
		Job            models.MessageJob
		ExpectedCall   sendCall
		ExpectedChatID string
	}{
		{
			Name:         "Process: User message",
			Job:          models.MessageJob{ID: "j1", Kind: models.KindUserMessage, Email: "a@b.com", HTMLContent: "<p>hi</p>"},
			ExpectedCall: sendCall{Method: "user_message", Target: "a@b.com", Body: "<p>hi</p>"},
		},
		{
			Name:           "Process: User card",
			Job:            models.MessageJob{ID: "j2", Kind: models.KindUserCard, Email: "a@b.com", Card: card},
			ExpectedCall:   sendCall{Method: "user_card", Target: "a@b.com", Body: string(card)},
			ExpectedChatID: "C-a@b.com",
		},
		{
			Name:           "Process: Group message by chat id",
			Job:            models.MessageJob{ID: "j3", Kind: models.KindGroupMessage, ChatID: "19:ops@thread.v2", HTMLContent: "deploy"},
			ExpectedCall:   sendCall{Method: "group_message", Target: "19:ops@thread.v2", Body: "deploy"},
			ExpectedChatID: "19:ops@thread.v2",
		},
		{
			Name:           "Process: Group card by chat name",
			Job:            models.MessageJob{ID: "j4", Kind: models.KindGroupCard, ChatName: "Release", Card: card},
			ExpectedCall:   sendCall{Method: "group_card", Target: "chat-release", Body: string(card)},
			ExpectedChatID: "chat-release",
		},
	} {
		t.Run(test.Name, func(t *testing.T) {
			sender := &fakeSender{groups: map[string]string{"Release": "chat-release"}}
			w, slept := newTestWorker(sender, nil)

			result := w.process(context.Background(), &test.Job)
			require.NoError(t, result.Err)
			assert.Equal(t, StatusSent, result.Status)
			assert.Equal(t, 1, result.Attempts)
			assert.Equal(t, test.ExpectedChatID, result.ChatID)
			assert.Equal(t, []sendCall{test.ExpectedCall}, sender.calls)
			assert.Empty(t, *slept)
		})
	}
}

func TestProcessResolvesAppTag(t *testing.T) {
	sender := &fakeSender{groups: map[string]string{"Billing Alerts": "chat-billing"}}
	store := newFakeStore()
	store.targets["billing"] = &models.ChatTarget{AppTag: "billing", ChatName: "Billing Alerts"}
	w, _ := newTestWorker(sender, store)
	job := models.MessageJob{ID: "j1", Kind: models.KindGroupMessage, AppTag: "billing", HTMLContent: "invoice run done"}

	result := w.process(context.Background(), &job)
	require.NoError(t, result.Err)
	assert.Equal(t, "chat-billing", result.ChatID)
	assert.Equal(t, "chat-billing", store.cached["billing"])

	// the cached id is used without another name lookup
	delete(sender.groups, "Billing Alerts")
	result = w.process(context.Background(), &job)
	require.NoError(t, result.Err)
	assert.Equal(t, "chat-billing", result.ChatID)
}

func TestProcessAppTagErrors(t *testing.T) {
	job := models.MessageJob{ID: "j1", Kind: models.KindGroupMessage, AppTag: "unknown", HTMLContent: "x"}

	t.Run("Process: No store configured", func(t *testing.T) {
		w, _ := newTestWorker(&fakeSender{}, nil)
		result := w.process(context.Background(), &job)
		assert.ErrorIs(t, result.Err, errNoStore)
		assert.False(t, result.Retryable)
	})

	t.Run("Process: Unknown tag", func(t *testing.T) {
		w, _ := newTestWorker(&fakeSender{}, newFakeStore())
		result := w.process(context.Background(), &job)
		assert.ErrorIs(t, result.Err, db.ErrNotFound)
		assert.Equal(t, StatusFailed, result.Status)
		assert.False(t, result.Retryable)
	})
}

func TestProcessRetries(t *testing.T) {
	job := models.MessageJob{ID: "j1", Kind: models.KindGroupMessage, ChatID: "c1", HTMLContent: "x"}

	for _, test := range []struct {
		Name                string
		Errs                []error
		ExpectedErrKind     error
		ExpectedAttempts    int
		ExpectedRetryable   bool
		ExpectedSleeps      []time.Duration
		ExpectedInvalidated int
	}{
		{
			Name:             "Process: Throttled then sent",
			Errs:             []error{httpError(graph.ErrSend, http.StatusTooManyRequests, 7*time.Second)},
			ExpectedAttempts: 2,
			ExpectedSleeps:   []time.Duration{7 * time.Second},
		},
		{
			Name:             "Process: Throttled without Retry-After",
			Errs:             []error{httpError(graph.ErrSend, http.StatusTooManyRequests, 0)},
			ExpectedAttempts: 2,
			ExpectedSleeps:   []time.Duration{defaultRetryAfter},
		},
		{
			Name:                "Process: Unauthorized invalidates token",
			Errs:                []error{httpError(graph.ErrSend, http.StatusUnauthorized, 0)},
			ExpectedAttempts:    2,
			ExpectedInvalidated: 1,
		},
		{
			Name: "Process: Server errors exhaust retries",
			Errs: []error{
				httpError(graph.ErrSend, http.StatusBadGateway, 0),
				httpError(graph.ErrSend, http.StatusBadGateway, 0),
				httpError(graph.ErrSend, http.StatusServiceUnavailable, 0),
			},
			ExpectedErrKind:   graph.ErrSend,
			ExpectedAttempts:  3,
			ExpectedRetryable: true,
			ExpectedSleeps:    []time.Duration{2 * time.Second, 3 * time.Second, 4 * time.Second},
		},
		{
			Name:             "Process: Forbidden is permanent",
			Errs:             []error{httpError(graph.ErrSend, http.StatusForbidden, 0)},
			ExpectedErrKind:  graph.ErrSend,
			ExpectedAttempts: 1,
		},
	} {
		t.Run(test.Name, func(t *testing.T) {
			sender := &fakeSender{errs: test.Errs}
			w, slept := newTestWorker(sender, nil)

			result := w.process(context.Background(), &job)
			if test.ExpectedErrKind != nil {
				assert.ErrorIs(t, result.Err, test.ExpectedErrKind)
				assert.Equal(t, StatusFailed, result.Status)
			} else {
				require.NoError(t, result.Err)
				assert.Equal(t, StatusSent, result.Status)
			}
			assert.Equal(t, test.ExpectedAttempts, result.Attempts)
			assert.Equal(t, test.ExpectedRetryable, result.Retryable)
			assert.Equal(t, test.ExpectedSleeps, *slept)
			assert.Equal(t, test.ExpectedInvalidated, sender.invalidated)
		})
	}
}

func TestProcessReleasesCancelledJob(t *testing.T) {
	job := models.MessageJob{ID: "j1", Kind: models.KindGroupMessage, ChatID: "c1", HTMLContent: "x"}

	t.Run("Process: Request cancelled on shutdown", func(t *testing.T) {
		cancelled := &graph.Error{
			Kind: graph.ErrSend,
			Op:   "send_message",
			Err:  &url.Error{Op: "Post", URL: "https://graph.microsoft.com/v1.0/chats/c1/messages", Err: context.Canceled},
		}
		sender := &fakeSender{errs: []error{cancelled}}
		w, slept := newTestWorker(sender, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result := w.process(ctx, &job)
		assert.ErrorIs(t, result.Err, context.Canceled)
		assert.Equal(t, StatusFailed, result.Status)
		assert.True(t, result.Retryable)
		assert.Equal(t, 1, result.Attempts)
		assert.Len(t, sender.calls, 1)
		assert.Empty(t, *slept)
	})

	t.Run("Process: Cancelled while backing off", func(t *testing.T) {
		sender := &fakeSender{errs: []error{httpError(graph.ErrSend, http.StatusBadGateway, 0)}}
		w, _ := newTestWorker(sender, nil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var waited []time.Duration
		w.sleep = func(ctx context.Context, d time.Duration) error {
			waited = append(waited, d)
			cancel()
			return ctx.Err()
		}

		result := w.process(ctx, &job)
		assert.ErrorIs(t, result.Err, graph.ErrSend)
		assert.True(t, result.Retryable)
		assert.Equal(t, 1, result.Attempts)
		assert.Len(t, sender.calls, 1)
		assert.Equal(t, []time.Duration{2 * time.Second}, waited)
	})
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
}

func TestIsTransient(t *testing.T) {
	for _, test := range []struct {
		Name     string
		Err      error
		Expected bool
	}{
		{Name: "IsTransient: Server error", Err: httpError(graph.ErrSend, http.StatusServiceUnavailable, 0), Expected: true},
		{Name: "IsTransient: Forbidden", Err: httpError(graph.ErrSend, http.StatusForbidden, 0), Expected: false},
		{Name: "IsTransient: Deadline", Err: &graph.Error{Kind: graph.ErrSend, Err: context.DeadlineExceeded}, Expected: true},
		{Name: "IsTransient: Connection dropped", Err: &graph.Error{Kind: graph.ErrSend, Err: &url.Error{Op: "Post", URL: "https://graph", Err: io.EOF}}, Expected: true},
		{Name: "IsTransient: Cancelled", Err: &graph.Error{Kind: graph.ErrSend, Err: &url.Error{Op: "Post", URL: "https://graph", Err: context.Canceled}}, Expected: false},
		{Name: "IsTransient: Unknown app tag", Err: db.ErrNotFound, Expected: false},
	} {
		t.Run(test.Name, func(t *testing.T) {
			assert.Equal(t, test.Expected, isTransient(test.Err))
		})
	}
}

func TestProcessInvalidJob(t *testing.T) {
	sender := &fakeSender{}
	w, _ := newTestWorker(sender, nil)

	result := w.process(context.Background(), &models.MessageJob{ID: "j1", Kind: models.KindUserMessage})
	assert.ErrorContains(t, result.Err, "email is required")
	assert.False(t, result.Retryable)
	assert.Empty(t, sender.calls)
	assert.Equal(t, uint64(1), w.failedCount.Load())
}

func TestRecordWritesJobLog(t *testing.T) {
	store := newFakeStore()
	w, _ := newTestWorker(&fakeSender{}, store)
	job := models.MessageJob{ID: "j1", Kind: models.KindGroupMessage, ChatID: "c1", AppTag: "ci", HTMLContent: "x"}

	w.record(context.Background(), &job, outcome{Status: StatusSent, ChatID: "c1", Attempts: 1})
	w.record(context.Background(), &job, outcome{Status: StatusFailed, Attempts: 3, Err: errors.New("boom")})

	require.Len(t, store.records, 2)
	assert.Equal(t, "j1", store.records[0].JobID)
	assert.Equal(t, "group_message", store.records[0].Kind)
	assert.Equal(t, "c1", store.records[0].ChatID)
	assert.Equal(t, "ci", store.records[0].AppTag)
	assert.Equal(t, StatusSent, store.records[0].Status)
	assert.NotNil(t, store.records[0].ProcessedAt)
	assert.Equal(t, "c1", store.records[1].ChatID)
	assert.Equal(t, "boom", store.records[1].ErrorMessage)
	assert.Equal(t, 3, store.records[1].Attempts)
}
