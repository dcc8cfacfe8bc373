package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/vigil/internal/domain"
)

type entityLookup struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

type entityLookupReply struct {
	Exists bool   `json:"exists"`
	Error  string `json:"error,omitempty"`
}

// EntityResolver asks the record-storage collaborator whether a business
// entity exists, using request-reply on TopicEntityLookup.
type EntityResolver struct {
	bus     domain.EventBus
	scope   string
	timeout time.Duration
}

// NewEntityResolver creates a resolver. A zero timeout defaults to 5s.
func NewEntityResolver(b domain.EventBus, scope string, timeout time.Duration) *EntityResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EntityResolver{bus: b, scope: scope, timeout: timeout}
}

// EntityExists implements domain.EntityResolver.
func (r *EntityResolver) EntityExists(ctx context.Context, entityType, entityID string) (bool, error) {
	payload, err := json.Marshal(entityLookup{EntityType: entityType, EntityID: entityID})
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.bus.Request(ctx, r.scope, domain.TopicEntityLookup, payload)
	if err != nil {
		return false, fmt.Errorf("entity lookup failed: %w", err)
	}

	var reply entityLookupReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return false, fmt.Errorf("invalid entity lookup reply: %w", err)
	}
	if reply.Error != "" {
		return false, fmt.Errorf("entity lookup failed: %s", reply.Error)
	}
	return reply.Exists, nil
}

// ServeEntityLookup answers entity lookups with exists. It is the
// collaborator side of EntityResolver.
func ServeEntityLookup(ctx context.Context, b domain.EventBus, scope string, exists func(ctx context.Context, entityType, entityID string) (bool, error)) (domain.Subscription, error) {
	return b.Subscribe(ctx, scope, domain.TopicEntityLookup, func(ctx context.Context, msg *domain.Message) error {
		var req entityLookup
		var reply entityLookupReply
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			reply.Error = "malformed request"
		} else if ok, err := exists(ctx, req.EntityType, req.EntityID); err != nil {
			reply.Error = err.Error()
		} else {
			reply.Exists = ok
		}

		data, err := json.Marshal(reply)
		if err != nil {
			return err
		}
		return b.Reply(ctx, msg, data)
	})
}

var _ domain.EntityResolver = (*EntityResolver)(nil)
