package stream

import "context"

// Envelope is the unit carried between hub instances for a room broadcast.
// Origin identifies the publishing instance so subscribers can discard their
// own messages; delivery is at-most-once best effort and carries no sequence
// numbers, since IDs are assigned per session on the receiving side.
type Envelope struct {
	Origin string `json:"origin"`
	Room   string `json:"room"`
	Name   string `json:"name,omitempty"`
	Data   []byte `json:"data"`
}

// AdapterSubscription is an active room subscription on a distributed
// adapter. Unsubscribe is idempotent.
type AdapterSubscription interface {
	Unsubscribe() error
}

// Adapter propagates room broadcasts between hub instances. Implementations
// must bound Publish by the passed context and surface a timeout as
// ErrPublishTimeout so callers can report degraded remote delivery without
// failing local delivery.
//
// Handlers passed to Subscribe may be invoked concurrently with Publish but
// never concurrently with themselves for the same subscription.
type Adapter interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(room string, handler func(Envelope)) (AdapterSubscription, error)
}

// NoopAdapter is the single-instance adapter. Publishes succeed without
// effect and subscriptions never deliver.
type NoopAdapter struct{}

// NewNoopAdapter returns an adapter for hubs that do not bridge instances.
func NewNoopAdapter() *NoopAdapter { return &NoopAdapter{} }

// Publish discards env.
func (*NoopAdapter) Publish(context.Context, Envelope) error { return nil }

// Subscribe returns a subscription that never fires.
func (*NoopAdapter) Subscribe(string, func(Envelope)) (AdapterSubscription, error) {
	return noopSubscription{}, nil
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() error { return nil }
