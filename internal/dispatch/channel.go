package dispatch

import "context"

// CodeInvalidRecipient is the stable error code delivery channels return for
// recipients that no longer exist (revoked device token, dead mailbox).
// Jobs are never retried for these recipients; they are pruned from the
// recipient registry instead.
const CodeInvalidRecipient = "invalid_recipient"

// DeliveryResult reports the outcome for a single recipient within a batch.
type DeliveryResult struct {
	Recipient string
	Code      string
	Err       error
}

// Failed reports whether delivery to this recipient failed.
func (r DeliveryResult) Failed() bool {
	return r.Err != nil
}

// Invalid reports whether the recipient should be removed from the registry.
func (r DeliveryResult) Invalid() bool {
	return r.Code == CodeInvalidRecipient
}

// Channel delivers a batch of same-kind jobs to an external transport.
// Implementations return one DeliveryResult per recipient; a non-nil error
// means the whole batch failed (transport down, timeout) and will be
// retried.
type Channel interface {
	Kind() JobKind
	SendBatch(ctx context.Context, jobs []*Job) ([]DeliveryResult, error)
}

// RecipientRegistry removes recipients whose delivery identity is no longer
// valid, so future jobs stop targeting them.
type RecipientRegistry interface {
	RemoveRecipient(ctx context.Context, kind JobKind, recipient string) error
}
