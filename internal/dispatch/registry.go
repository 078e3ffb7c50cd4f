package dispatch

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/statuspulse/statuspulse/pkg/errors"
)

// recipientKeyPrefix namespaces one Redis set of known recipients per job
// kind (device tokens for push, addresses for email).
const recipientKeyPrefix = "statuspulse:recipients:"

// RedisRecipientRegistry keeps the set of deliverable recipients per kind in
// Redis. The drain loop removes recipients that channels report as gone so
// subscription state stays in step with what providers accept.
type RedisRecipientRegistry struct {
	client *redis.Client
}

var _ RecipientRegistry = (*RedisRecipientRegistry)(nil)

// NewRedisRecipientRegistry creates a registry backed by the shared Redis
// instance.
func NewRedisRecipientRegistry(client *redis.Client) *RedisRecipientRegistry {
	return &RedisRecipientRegistry{client: client}
}

// AddRecipient registers a recipient for kind.
func (r *RedisRecipientRegistry) AddRecipient(ctx context.Context, kind JobKind, recipient string) error {
	if err := r.client.SAdd(ctx, recipientKey(kind), recipient).Err(); err != nil {
		return errors.NewInternalError("failed to add recipient").WithCause(err)
	}
	return nil
}

// RemoveRecipient drops a recipient whose delivery identity is no longer
// valid. Removing an unknown recipient is not an error.
func (r *RedisRecipientRegistry) RemoveRecipient(ctx context.Context, kind JobKind, recipient string) error {
	if err := r.client.SRem(ctx, recipientKey(kind), recipient).Err(); err != nil {
		return errors.NewInternalError("failed to remove recipient").WithCause(err)
	}
	return nil
}

// Recipients returns all registered recipients for kind.
func (r *RedisRecipientRegistry) Recipients(ctx context.Context, kind JobKind) ([]string, error) {
	members, err := r.client.SMembers(ctx, recipientKey(kind)).Result()
	if err != nil {
		return nil, errors.NewInternalError("failed to list recipients").WithCause(err)
	}
	return members, nil
}

func recipientKey(kind JobKind) string {
	return recipientKeyPrefix + string(kind)
}
