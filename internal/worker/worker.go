package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"teams-messenger/internal/db"
	"teams-messenger/internal/graph"
	"teams-messenger/internal/metrics"
	"teams-messenger/internal/models"
	natsclient "teams-messenger/internal/nats"
)

const (
	ConsumerName = "TEAMS_WORKER"
	maxRetries   = 3

	defaultRetryAfter = 5 * time.Second

	StatusSent   = "sent"
	StatusFailed = "failed"
)

var errNoStore = errors.New("app_tag targets need a database, none is configured")

// Sender is the part of *graph.Client the worker drives.
type Sender interface {
	SendMessageToUser(ctx context.Context, email, htmlContent string) error
	SendMessageToGroup(ctx context.Context, chatID, htmlContent string) error
	SendAdaptiveCardToUser(ctx context.Context, email string, card any) (*graph.SentMessage, error)
	SendAdaptiveCardToGroup(ctx context.Context, chatID string, card any) (*graph.SentMessage, error)
	GetChatIDByGroupName(ctx context.Context, name string) (string, error)
	InvalidateToken()
}

// Store is the part of *db.Client the worker uses. It may be nil.
type Store interface {
	GetTarget(ctx context.Context, appTag string) (*models.ChatTarget, error)
	SetTargetChatID(ctx context.Context, appTag, chatID string) error
	RecordJob(ctx context.Context, record models.JobRecord) (int64, error)
}

type Worker struct {
	js      nats.JetStreamContext
	sub     *nats.Subscription
	sender  Sender
	store   Store
	metrics *metrics.Metrics
	logger  logrus.FieldLogger
	sleep   func(ctx context.Context, d time.Duration) error

	processedCount atomic.Uint64
	throttledCount atomic.Uint64
	failedCount    atomic.Uint64
}

// outcome is the result of processing one job.
type outcome struct {
	Status    string
	ChatID    string
	Attempts  int
	Retryable bool
	Err       error
}

func New(js nats.JetStreamContext, sender Sender, store Store, m *metrics.Metrics, logger logrus.FieldLogger) (*Worker, error) {
	sub, err := js.PullSubscribe(natsclient.MessageSend, ConsumerName)
	if err != nil {
		return nil, err
	}
	w := newWorker(sender, store, m, logger)
	w.js = js
	w.sub = sub
	return w, nil
}

func newWorker(sender Sender, store Store, m *metrics.Metrics, logger logrus.FieldLogger) *Worker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{
		sender:  sender,
		store:   store,
		metrics: m,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run starts concurrency fetch loops and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, concurrency int) {
	w.logger.WithField("concurrency", concurrency).Info("Worker started. Waiting for message jobs...")
	go w.logSummary(ctx)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.fetchLoop(ctx)
		}()
	}
	wg.Wait()
	w.logger.Info("Worker stopped")
}

func (w *Worker) fetchLoop(ctx context.Context) {
	for ctx.Err() == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		msgs, err := w.sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				continue
			}
			w.logger.WithError(err).Error("Error fetching message")
			_ = sleepContext(ctx, 2*time.Second)
			continue
		}
		for _, msg := range msgs {
			w.processMessage(ctx, msg)
		}
	}
}

func (w *Worker) logSummary(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fields := logrus.Fields{
			"processed": w.processedCount.Load(),
			"throttled": w.throttledCount.Load(),
			"failed":    w.failedCount.Load(),
		}
		streamInfo, sErr := w.js.StreamInfo(natsclient.StreamName)
		consumerInfo, cErr := w.js.ConsumerInfo(natsclient.StreamName, ConsumerName)
		if sErr == nil && cErr == nil {
			fields["stream_total"] = streamInfo.State.Msgs
			fields["pending"] = consumerInfo.NumPending
		}
		w.logger.WithFields(fields).Info("Worker summary")
	}
}

func (w *Worker) processMessage(ctx context.Context, msg *nats.Msg) {
	var job models.MessageJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		w.logger.WithError(err).Error("Could not unmarshal message, discarding")
		_ = msg.Term()
		return
	}

	opts := []tracer.StartSpanOption{tracer.ResourceName(string(job.Kind))}
	if sctx, err := tracer.Extract(tracer.TextMapCarrier(job.TraceContext)); err == nil {
		opts = append(opts, tracer.ChildOf(sctx))
	}
	span, ctx := tracer.StartSpanFromContext(ctx, "teams.job", opts...)
	span.SetTag("job.id", job.ID)

	result := w.process(ctx, &job)
	span.Finish(tracer.WithError(result.Err))
	w.record(ctx, &job, result)

	logger := w.logger.WithFields(logrus.Fields{"job_id": job.ID, "kind": job.Kind, "attempts": result.Attempts})
	switch {
	case result.Err == nil:
		logger.Info("Job delivered")
		_ = msg.Ack()
	case result.Retryable:
		logger.WithError(result.Err).Error("All retries failed. Releasing job.")
		_ = msg.Nak()
	default:
		logger.WithError(result.Err).Error("Job failed permanently")
		_ = msg.Term()
	}
}

// process runs a job with retries on throttling, expired tokens and server errors.
func (w *Worker) process(ctx context.Context, job *models.MessageJob) outcome {
	if err := job.Validate(); err != nil {
		return w.finish(job, outcome{Status: StatusFailed, Err: err})
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		chatID, err := w.dispatch(ctx, job)
		if err == nil {
			return w.finish(job, outcome{Status: StatusSent, ChatID: chatID, Attempts: attempt})
		}
		lastErr = err
		logger := w.logger.WithError(err).WithField("job_id", job.ID).WithField("attempt", attempt)

		// A cancelled job is released for redelivery, never retried in place.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			logger.Warn("Job interrupted, releasing it")
			return w.finish(job, outcome{Status: StatusFailed, Attempts: attempt, Retryable: true, Err: err})
		}

		var wait time.Duration
		switch {
		case graph.IsThrottled(err):
			w.throttledCount.Add(1)
			wait = graph.RetryAfter(err)
			if wait <= 0 {
				wait = defaultRetryAfter
			}
			logger.WithField("retry_after", wait).Warn("Throttled (429), waiting")
		case graph.IsUnauthorized(err):
			logger.Warn("Graph rejected the token, fetching a new one")
			w.sender.InvalidateToken()
		case isTransient(err):
			logger.Warn("Transient error, retrying")
			wait = time.Duration(1+attempt) * time.Second
		default:
			return w.finish(job, outcome{Status: StatusFailed, Attempts: attempt, Err: err})
		}

		if wait > 0 {
			if err := w.sleep(ctx, wait); err != nil {
				logger.Warn("Job interrupted while waiting, releasing it")
				return w.finish(job, outcome{Status: StatusFailed, Attempts: attempt, Retryable: true, Err: lastErr})
			}
		}
	}

	return w.finish(job, outcome{Status: StatusFailed, Attempts: maxRetries, Retryable: true, Err: lastErr})
}

func (w *Worker) finish(job *models.MessageJob, result outcome) outcome {
	if result.Err == nil {
		w.processedCount.Add(1)
	} else {
		w.failedCount.Add(1)
	}
	w.metrics.ObserveJobOutcome(string(job.Kind), result.Status)
	return result
}

func (w *Worker) dispatch(ctx context.Context, job *models.MessageJob) (string, error) {
	switch job.Kind {
	case models.KindUserMessage:
		return "", w.sender.SendMessageToUser(ctx, job.Email, job.HTMLContent)
	case models.KindUserCard:
		sent, err := w.sender.SendAdaptiveCardToUser(ctx, job.Email, job.Card)
		if err != nil {
			return "", err
		}
		return sent.ChatID, nil
	}

	chatID, err := w.resolveChat(ctx, job)
	if err != nil {
		return "", err
	}
	if job.Kind == models.KindGroupCard {
		_, err = w.sender.SendAdaptiveCardToGroup(ctx, chatID, job.Card)
	} else {
		err = w.sender.SendMessageToGroup(ctx, chatID, job.HTMLContent)
	}
	return chatID, err
}

// resolveChat picks the target of a group job: an explicit chat id, then a
// chat name, then the chat registered for the job's app tag.
func (w *Worker) resolveChat(ctx context.Context, job *models.MessageJob) (string, error) {
	if job.ChatID != "" {
		return job.ChatID, nil
	}
	if job.ChatName != "" {
		return w.sender.GetChatIDByGroupName(ctx, job.ChatName)
	}
	if w.store == nil {
		return "", errNoStore
	}

	target, err := w.store.GetTarget(ctx, job.AppTag)
	if err != nil {
		return "", err
	}
	if target.ChatID != "" {
		return target.ChatID, nil
	}

	chatID, err := w.sender.GetChatIDByGroupName(ctx, target.ChatName)
	if err != nil {
		return "", err
	}
	if err := w.store.SetTargetChatID(ctx, job.AppTag, chatID); err != nil {
		w.logger.WithError(err).WithField("app_tag", job.AppTag).Warn("Could not cache resolved chat id")
	}
	return chatID, nil
}

func (w *Worker) record(ctx context.Context, job *models.MessageJob, result outcome) {
	if w.store == nil {
		return
	}
	now := time.Now()
	rec := models.JobRecord{
		JobID:       job.ID,
		Kind:        string(job.Kind),
		Email:       job.Email,
		ChatID:      result.ChatID,
		AppTag:      job.AppTag,
		Status:      result.Status,
		Attempts:    result.Attempts,
		ProcessedAt: &now,
	}
	if rec.ChatID == "" {
		rec.ChatID = job.ChatID
	}
	if result.Err != nil {
		rec.ErrorMessage = result.Err.Error()
	}
	if _, err := w.store.RecordJob(ctx, rec); err != nil {
		w.logger.WithError(err).WithField("job_id", job.ID).Warn("Could not record job")
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if graph.StatusCode(err) >= 500 {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

var _ Store = (*db.Client)(nil)
