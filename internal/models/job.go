package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// JobKind selects which Graph operation the worker performs for a job.
type JobKind string

const (
	KindUserMessage  JobKind = "user_message"
	KindGroupMessage JobKind = "group_message"
	KindUserCard     JobKind = "user_card"
	KindGroupCard    JobKind = "group_card"
)

// MessageJob represents a Teams message job received via NATS.
type MessageJob struct {
	ID          string          `json:"id"`
	Kind        JobKind         `json:"kind"`
	Email       string          `json:"email,omitempty"`
	ChatID      string          `json:"chat_id,omitempty"`
	ChatName    string          `json:"chat_name,omitempty"`
	AppTag      string          `json:"app_tag,omitempty"`
	HTMLContent string          `json:"html_content,omitempty"`
	Card        json.RawMessage `json:"card,omitempty"`

	// Datadog trace context propagated from the api to the worker.
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

// IsGroup reports whether the job targets an existing chat rather than a user.
func (j *MessageJob) IsGroup() bool {
	return j.Kind == KindGroupMessage || j.Kind == KindGroupCard
}

// Validate checks that the job carries what its kind needs.
func (j *MessageJob) Validate() error {
	switch j.Kind {
	case KindUserMessage, KindUserCard:
		if j.Email == "" {
			return fmt.Errorf("email is required for %s jobs", j.Kind)
		}
	case KindGroupMessage, KindGroupCard:
		if j.ChatID == "" && j.ChatName == "" && j.AppTag == "" {
			return fmt.Errorf("one of chat_id, chat_name or app_tag is required for %s jobs", j.Kind)
		}
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}

	switch j.Kind {
	case KindUserMessage, KindGroupMessage:
		if j.HTMLContent == "" {
			return fmt.Errorf("html_content is required for %s jobs", j.Kind)
		}
	case KindUserCard, KindGroupCard:
		if !IsJSONObject(j.Card) {
			return fmt.Errorf("card must be a valid JSON object for %s jobs", j.Kind)
		}
	}
	return nil
}

// IsJSONObject reports whether raw is a well-formed JSON object.
func IsJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

// ChatTarget maps an application tag to the group chat it reports into.
type ChatTarget struct {
	ID        int64     `json:"id" db:"id"`
	AppTag    string    `json:"app_tag" db:"app_tag"`
	ChatName  string    `json:"chat_name" db:"chat_name"`
	ChatID    string    `json:"chat_id,omitempty" db:"chat_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// JobRecord is the row written to message_jobs for every processed job.
type JobRecord struct {
	ID           int64      `db:"id"`
	JobID        string     `db:"job_id"`
	Kind         string     `db:"kind"`
	Email        string     `db:"email"`
	ChatID       string     `db:"chat_id"`
	AppTag       string     `db:"app_tag"`
	Status       string     `db:"status"`
	ErrorMessage string     `db:"error_message"`
	Attempts     int        `db:"attempts"`
	CreatedAt    time.Time  `db:"created_at"`
	ProcessedAt  *time.Time `db:"processed_at"`
}
