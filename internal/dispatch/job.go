package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// Priority levels for notification jobs
const (
	PriorityLow    = 1
	PriorityMedium = 5
	PriorityHigh   = 10
)

// JobKind tags the notification job variant
type JobKind string

const (
	KindPush  JobKind = "push"
	KindEmail JobKind = "email"
)

// PushPayload carries a push notification to a set of device tokens
type PushPayload struct {
	Tokens []string          `json:"tokens"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// EmailPayload carries an email to a set of recipient addresses
type EmailPayload struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
}

// Job is a queued notification. Exactly one of Push or Email is set,
// matching Kind.
type Job struct {
	ID         string        `json:"id"`
	Kind       JobKind       `json:"kind"`
	Priority   int           `json:"priority"`
	RetryCount int           `json:"retry_count"`
	CreatedAt  time.Time     `json:"created_at"`
	NotBefore  time.Time     `json:"not_before,omitempty"`
	Push       *PushPayload  `json:"push,omitempty"`
	Email      *EmailPayload `json:"email,omitempty"`
}

// NewPushJob creates a push notification job
func NewPushJob(tokens []string, title, body string, priority int) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Kind:      KindPush,
		Priority:  priority,
		CreatedAt: time.Now(),
		Push: &PushPayload{
			Tokens: tokens,
			Title:  title,
			Body:   body,
		},
	}
}

// NewEmailJob creates an email notification job
func NewEmailJob(recipients []string, subject, body string, priority int) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Kind:      KindEmail,
		Priority:  priority,
		CreatedAt: time.Now(),
		Email: &EmailPayload{
			Recipients: recipients,
			Subject:    subject,
			Body:       body,
		},
	}
}

// Recipients returns the recipient identifiers for the job's kind.
func (j *Job) Recipients() []string {
	switch j.Kind {
	case KindPush:
		if j.Push != nil {
			return j.Push.Tokens
		}
	case KindEmail:
		if j.Email != nil {
			return j.Email.Recipients
		}
	}
	return nil
}

// Eligible reports whether the job's backoff delay has elapsed.
func (j *Job) Eligible(now time.Time) bool {
	return j.NotBefore.IsZero() || !now.Before(j.NotBefore)
}
