package services

import (
	"context"
	"testing"

	"dream_analyzer_go_backend/internal/models"
	"dream_analyzer_go_backend/internal/utils/broker"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/api/androidpublisher/v3"
	"gorm.io/gorm"
)

type MockCompleter struct {
	mock.Mock
}

func (m *MockCompleter) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	args := m.Called(ctx, messages)
	if c, ok := args.Get(0).(*Completion); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockPlayBilling struct {
	mock.Mock
}

func (m *MockPlayBilling) GetProduct(ctx context.Context, productID, token string) (*androidpublisher.ProductPurchase, error) {
	args := m.Called(ctx, productID, token)
	if p, ok := args.Get(0).(*androidpublisher.ProductPurchase); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPlayBilling) AcknowledgeProduct(ctx context.Context, productID, token string) error {
	return m.Called(ctx, productID, token).Error(0)
}

func (m *MockPlayBilling) GetSubscription(ctx context.Context, productID, token string) (*androidpublisher.SubscriptionPurchase, error) {
	args := m.Called(ctx, productID, token)
	if p, ok := args.Get(0).(*androidpublisher.SubscriptionPurchase); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPlayBilling) AcknowledgeSubscription(ctx context.Context, productID, token string) error {
	return m.Called(ctx, productID, token).Error(0)
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	topics []string
	events []broker.Event
}

func (p *recordingPublisher) Publish(topic string, event broker.Event) {
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
}

func createUser(t *testing.T, db *gorm.DB, username string, credits int) *models.User {
	t.Helper()
	u := &models.User{
		Email:    username + "@example.com",
		Username: username,
		IsActive: true,
		Credits:  credits,
	}
	require.NoError(t, u.SetPassword("secret1", bcrypt.MinCost))
	require.NoError(t, db.Create(u).Error)
	return u
}

func reloadUser(t *testing.T, db *gorm.DB, u *models.User) *models.User {
	t.Helper()
	var fresh models.User
	require.NoError(t, db.First(&fresh, "id = ?", u.ID).Error)
	return &fresh
}
