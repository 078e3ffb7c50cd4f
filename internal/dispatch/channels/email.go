package channels

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/statuspulse/statuspulse/internal/dispatch"
	"github.com/statuspulse/statuspulse/pkg/logging"
)

// EmailConfig holds SMTP delivery configuration
type EmailConfig struct {
	Server   string
	Port     int
	Username string
	Password string
	From     string
}

// EmailChannel delivers email notification jobs over SMTP.
type EmailChannel struct {
	config EmailConfig
	logger *logging.Logger

	// send is swappable for tests
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates an SMTP-backed email delivery channel
func NewEmailChannel(config EmailConfig) *EmailChannel {
	return &EmailChannel{
		config: config,
		logger: logging.GetLogger(),
		send:   smtp.SendMail,
	}
}

// Kind returns the job kind this channel delivers.
func (c *EmailChannel) Kind() dispatch.JobKind {
	return dispatch.KindEmail
}

// SendBatch delivers each job's email, reporting per-recipient results.
// Permanent SMTP rejections (550) map to the invalid-recipient code so the
// registry can prune dead mailboxes.
func (c *EmailChannel) SendBatch(ctx context.Context, jobs []*dispatch.Job) ([]dispatch.DeliveryResult, error) {
	if c.config.Server == "" {
		return nil, fmt.Errorf("smtp server not configured")
	}

	addr := fmt.Sprintf("%s:%d", c.config.Server, c.config.Port)
	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Server)
	}

	var results []dispatch.DeliveryResult
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if job.Email == nil {
			continue
		}

		msg := c.buildMessage(job.Email)
		for _, rcpt := range job.Email.Recipients {
			err := c.send(addr, auth, c.config.From, []string{rcpt}, msg)
			res := dispatch.DeliveryResult{Recipient: rcpt}
			if err != nil {
				res.Err = err
				if isPermanentRejection(err) {
					res.Code = dispatch.CodeInvalidRecipient
				}
				c.logger.Warn("email delivery failed",
					"recipient", rcpt,
					"job_id", job.ID,
					"error", err,
				)
			}
			results = append(results, res)
		}
	}

	return results, nil
}

func (c *EmailChannel) buildMessage(payload *dispatch.EmailPayload) []byte {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", c.config.From))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", payload.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(payload.Body)
	return []byte(b.String())
}

// isPermanentRejection detects SMTP 5xx mailbox errors.
func isPermanentRejection(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "550") || strings.Contains(msg, "550 ")
}
