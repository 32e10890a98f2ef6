// Package store holds message and campaign records. The tracker is
// the only writer; analytics and status lookups read through the same
// interface.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/atriaconnect/courier/internal/message"
)

var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrCampaignNotFound = errors.New("campaign not found")
)

// Store is the persistence contract. The in-memory implementation
// backs a process lifetime; the Postgres implementation archives the
// same records durably for deployments that configure a database.
type Store interface {
	SaveMessage(ctx context.Context, msg *message.Message) error
	Message(ctx context.Context, id uuid.UUID) (*message.Message, error)
	MessageByProviderID(ctx context.Context, providerID string) (*message.Message, error)
	// ListMessages returns matches in reverse-chronological creation
	// order, capped by f.Limit when positive.
	ListMessages(ctx context.Context, f message.Filter) ([]*message.Message, error)

	SaveCampaign(ctx context.Context, c *message.Campaign) error
	Campaign(ctx context.Context, id uuid.UUID) (*message.Campaign, error)
}
