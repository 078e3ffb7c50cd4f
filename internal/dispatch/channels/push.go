package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/statuspulse/statuspulse/internal/dispatch"
	"github.com/statuspulse/statuspulse/pkg/logging"
)

// PushConfig holds push gateway configuration
type PushConfig struct {
	GatewayURL string
	APIKey     string
	Timeout    time.Duration
}

// PushChannel delivers push notification jobs through an HTTP push gateway
// that fans out to device tokens and reports per-token outcomes.
type PushChannel struct {
	config PushConfig
	client *http.Client
	logger *logging.Logger
}

// NewPushChannel creates an HTTP-backed push delivery channel
func NewPushChannel(config PushConfig) *PushChannel {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &PushChannel{
		config: config,
		client: &http.Client{Timeout: timeout},
		logger: logging.GetLogger(),
	}
}

// Kind returns the job kind this channel delivers.
func (c *PushChannel) Kind() dispatch.JobKind {
	return dispatch.KindPush
}

type pushRequest struct {
	Messages []pushMessage `json:"messages"`
}

type pushMessage struct {
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type pushResult struct {
	Token string `json:"token"`
	OK    bool   `json:"ok"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

type pushResponse struct {
	Results []pushResult `json:"results"`
}

// SendBatch posts the batch to the gateway and maps its per-token response
// onto delivery results. The gateway's "unregistered" code marks revoked
// device tokens as invalid recipients.
func (c *PushChannel) SendBatch(ctx context.Context, jobs []*dispatch.Job) ([]dispatch.DeliveryResult, error) {
	if c.config.GatewayURL == "" {
		return nil, fmt.Errorf("push gateway not configured")
	}

	var req pushRequest
	for _, job := range jobs {
		if job.Push == nil {
			continue
		}
		for _, token := range job.Push.Tokens {
			req.Messages = append(req.Messages, pushMessage{
				Token: token,
				Title: job.Push.Title,
				Body:  job.Push.Body,
				Data:  job.Push.Data,
			})
		}
	}
	if len(req.Messages) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode push batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("push gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("push gateway returned status %d", resp.StatusCode)
	}

	var gwResp pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&gwResp); err != nil {
		return nil, fmt.Errorf("failed to decode push gateway response: %w", err)
	}

	results := make([]dispatch.DeliveryResult, 0, len(gwResp.Results))
	for _, r := range gwResp.Results {
		res := dispatch.DeliveryResult{Recipient: r.Token}
		if !r.OK {
			res.Err = fmt.Errorf("push delivery failed: %s", r.Error)
			if r.Code == "unregistered" {
				res.Code = dispatch.CodeInvalidRecipient
			}
		}
		results = append(results, res)
	}
	return results, nil
}
