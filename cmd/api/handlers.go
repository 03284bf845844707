package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"teams-messenger/internal/metrics"
	"teams-messenger/internal/models"
	natsclient "teams-messenger/internal/nats"
)

const maxBodyBytes = 1 << 20

type publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type handler struct {
	js      publisher
	metrics *metrics.Metrics
	logger  logrus.FieldLogger
}

type acceptedResponse struct {
	JobID string `json:"job_id"`
}

type contentRequest struct {
	HTMLContent string          `json:"html_content"`
	Card        json.RawMessage `json:"card"`
}

func newHandler(js publisher, m *metrics.Metrics, logger logrus.FieldLogger) *handler {
	return &handler{js: js, metrics: m, logger: logger}
}

func (h *handler) register(r *mux.Router) {
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.HandleFunc("/messages", h.enqueueJob).Methods(http.MethodPost)
	r.HandleFunc("/users/{email}/messages", h.enqueueFor(models.KindUserMessage)).Methods(http.MethodPost)
	r.HandleFunc("/users/{email}/cards", h.enqueueFor(models.KindUserCard)).Methods(http.MethodPost)
	r.HandleFunc("/chats/{chatID}/messages", h.enqueueFor(models.KindGroupMessage)).Methods(http.MethodPost)
	r.HandleFunc("/chats/{chatID}/cards", h.enqueueFor(models.KindGroupCard)).Methods(http.MethodPost)
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// enqueueJob accepts a complete job document.
func (h *handler) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var job models.MessageJob
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&job); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	h.publish(w, r, &job)
}

// enqueueFor builds the job from the path target and a content body.
func (h *handler) enqueueFor(kind models.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req contentRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		vars := mux.Vars(r)
		job := models.MessageJob{
			Kind:        kind,
			Email:       vars["email"],
			ChatID:      vars["chatID"],
			HTMLContent: req.HTMLContent,
			Card:        req.Card,
		}
		h.publish(w, r, &job)
	}
}

func (h *handler) publish(w http.ResponseWriter, r *http.Request, job *models.MessageJob) {
	if err := job.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.TraceContext = map[string]string{}
	if span, ok := tracer.SpanFromContext(r.Context()); ok {
		if err := tracer.Inject(span.Context(), tracer.TextMapCarrier(job.TraceContext)); err != nil {
			h.logger.WithError(err).Debug("Could not inject trace context")
		}
	}

	jobJSON, err := json.Marshal(job)
	if err != nil {
		http.Error(w, "Failed to encode job", http.StatusInternalServerError)
		return
	}
	if _, err := h.js.Publish(natsclient.MessageSend, jobJSON); err != nil {
		h.logger.WithError(err).Error("Failed to publish job to NATS")
		http.Error(w, "Failed to queue message job", http.StatusInternalServerError)
		return
	}

	h.metrics.ObserveJobAccepted()
	h.logger.WithFields(logrus.Fields{"job_id": job.ID, "kind": job.Kind, "target": target(job)}).Info("Accepted message job")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(acceptedResponse{JobID: job.ID})
}

func target(job *models.MessageJob) string {
	switch {
	case job.Email != "":
		return job.Email
	case job.ChatID != "":
		return job.ChatID
	case job.ChatName != "":
		return fmt.Sprintf("name:%s", job.ChatName)
	default:
		return fmt.Sprintf("tag:%s", job.AppTag)
	}
}
