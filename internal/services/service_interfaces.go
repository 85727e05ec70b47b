package services

import (
	"context"

	"dream_analyzer_go_backend/internal/utils/broker"

	"google.golang.org/api/androidpublisher/v3"
)

// Message is one chat turn sent to a completion provider.
type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Completion is the text a provider returned and the tokens it billed.
type Completion struct {
	Text       string
	TokensUsed int
}

// Completer is an AI chat-completion provider.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (*Completion, error)
}

// PlayBilling is the subset of the Google Play Developer API used for
// purchase verification.
type PlayBilling interface {
	GetProduct(ctx context.Context, productID, token string) (*androidpublisher.ProductPurchase, error)
	AcknowledgeProduct(ctx context.Context, productID, token string) error
	GetSubscription(ctx context.Context, productID, token string) (*androidpublisher.SubscriptionPurchase, error)
	AcknowledgeSubscription(ctx context.Context, productID, token string) error
}

// EventPublisher delivers account events to connected clients.
type EventPublisher interface {
	Publish(topic string, event broker.Event)
}
