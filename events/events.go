/*
Package events defines the outbound event contract of the mutation
engine.

PURPOSE:
  After a mutation commits, the service publishes a MutationEvent so
  downstream consumers (budget tracking, notifications, analytics) see
  the change. Publishing is best effort: a publish failure never rolls
  back a committed mutation, it is logged and dropped.

SEE ALSO:
  - events/kafka: Kafka-backed publisher
*/
package events

import (
	"context"
	"time"

	"github.com/plani/ledger-engine/ledger"
)

// MutationEvent describes a committed ledger mutation.
type MutationEvent struct {
	Kind         ledger.MutationKind    `json:"kind"`
	Actor        string                 `json:"actor"`
	Transactions []ledger.TransactionID `json:"transaction_ids,omitempty"`
	Balances     map[string]int64       `json:"balances"`
	OccurredAt   time.Time              `json:"occurred_at"`
}

// Publisher delivers mutation events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event MutationEvent) error
	Close() error
}

// Nop discards all events. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, MutationEvent) error { return nil }
func (Nop) Close() error                                 { return nil }
