package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dream_analyzer_go_backend/internal/database"
	customerrors "dream_analyzer_go_backend/internal/errors"
	"dream_analyzer_go_backend/internal/metrics"
	"dream_analyzer_go_backend/internal/models"
	"dream_analyzer_go_backend/internal/utils/broker"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ProductCredits maps every sellable product id to the credits it grants.
var ProductCredits = map[string]int{
	"pack_10_dreams": 10,
	"pack_30_dreams": 30,
	"pack_40_dreams": 40,
}

const defaultSubscriptionPeriod = 30 * 24 * time.Hour

type PurchaseKind string

const (
	KindProduct      PurchaseKind = "product"
	KindSubscription PurchaseKind = "subscription"
)

// VerifyResult is the outcome of a verification. When AlreadyProcessed is
// set nothing was granted and User reflects the stored state.
type VerifyResult struct {
	AlreadyProcessed bool
	CreditsAdded     int
	User             *models.User
	Purchase         *models.Purchase
}

// upstreamPurchase is the normalized view of a Google Play purchase.
type upstreamPurchase struct {
	OrderID              string
	PurchaseState        int
	ConsumptionState     int
	AcknowledgementState int
	Start                time.Time
	Expiry               *time.Time
	AutoRenewing         bool
}

type PurchaseService struct {
	db      *gorm.DB
	billing PlayBilling
	events  EventPublisher
	now     func() time.Time
}

// NewPurchaseService builds the verifier. A nil billing client means Google
// Play is not configured.
func NewPurchaseService(db *gorm.DB, billing PlayBilling, events EventPublisher) *PurchaseService {
	return &PurchaseService{
		db:      db,
		billing: billing,
		events:  events,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// VerifyProduct verifies a one-time in-app product and grants its credits.
func (s *PurchaseService) VerifyProduct(ctx context.Context, user *models.User, productID, token string) (*VerifyResult, error) {
	return s.verify(ctx, user, KindProduct, productID, token)
}

// VerifySubscription verifies a subscription purchase, grants its credits and
// records the subscription window on the user.
func (s *PurchaseService) VerifySubscription(ctx context.Context, user *models.User, productID, token string) (*VerifyResult, error) {
	return s.verify(ctx, user, KindSubscription, productID, token)
}

func (s *PurchaseService) verify(ctx context.Context, user *models.User, kind PurchaseKind, productID, token string) (*VerifyResult, error) {
	log := zerolog.Ctx(ctx).With().
		Str("userID", user.ID.String()).
		Str("productID", productID).
		Str("kind", string(kind)).
		Logger()

	if productID == "" || token == "" {
		return nil, customerrors.New400Error("Product ID and purchase token are required")
	}
	credits, ok := ProductCredits[productID]
	if !ok {
		return nil, customerrors.New400Error("Invalid product ID")
	}

	processed, err := s.tokenProcessed(ctx, token)
	if err != nil {
		return nil, err
	}
	if processed {
		log.Info().Msg("Purchase token already processed")
		metrics.RecordPurchase(string(kind), "already_processed", 0)
		return s.alreadyProcessed(ctx, user)
	}

	if s.billing == nil {
		return nil, customerrors.NewServiceUnavailableError("Google Play billing is not configured")
	}

	up, err := s.lookup(ctx, kind, productID, token)
	if err != nil {
		log.Error().Err(err).Msg("Google Play lookup failed")
		metrics.RecordPurchase(string(kind), "lookup_failed", 0)
		return nil, customerrors.NewPurchaseInvalidError("Failed to verify purchase with Google Play", err)
	}
	if up.PurchaseState != 0 {
		log.Warn().Int("purchaseState", up.PurchaseState).Msg("Purchase is not in purchased state")
		metrics.RecordPurchase(string(kind), "invalid", 0)
		return nil, customerrors.NewPurchaseInvalidError("Purchase invalid", nil)
	}

	purchase := &models.Purchase{
		UserID:               user.ID,
		ProductID:            productID,
		PurchaseToken:        token,
		PurchaseTime:         up.Start,
		PurchaseState:        up.PurchaseState,
		ConsumptionState:     up.ConsumptionState,
		AcknowledgementState: up.AcknowledgementState,
		CreditsGranted:       credits,
		IsSubscription:       kind == KindSubscription,
		AutoRenewing:         up.AutoRenewing,
	}
	if up.OrderID != "" {
		purchase.OrderID = &up.OrderID
	}

	updates := map[string]interface{}{
		"credits": gorm.Expr("credits + ?", credits),
	}
	if kind == KindSubscription {
		start := up.Start
		expiry := s.now().Add(defaultSubscriptionPeriod)
		if up.Expiry != nil {
			expiry = *up.Expiry
		}
		purchase.SubscriptionPeriodStart = &start
		purchase.SubscriptionPeriodEnd = &expiry

		status := models.SubscriptionExpired
		if expiry.After(s.now()) {
			status = models.SubscriptionActive
		}
		updates["subscription_status"] = status
		updates["subscription_type"] = productID
		updates["subscription_start_date"] = start
		updates["subscription_end_date"] = expiry
		updates["subscription_auto_renew"] = up.AutoRenewing
	}

	var updated models.User
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(purchase).Error; err != nil {
			return err
		}
		res := tx.Model(&models.User{}).Where("id = ?", user.ID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return customerrors.New404Error("User not found")
		}
		return tx.First(&updated, "id = ?", user.ID).Error
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			log.Info().Msg("Purchase token recorded concurrently")
			metrics.RecordPurchase(string(kind), "already_processed", 0)
			return s.alreadyProcessed(ctx, user)
		}
		var customErr *customerrors.CustomError
		if errors.As(err, &customErr) {
			return nil, customErr
		}
		return nil, fmt.Errorf("recording purchase: %w", err)
	}

	log.Info().Int("credits", credits).Int("totalCredits", updated.Credits).Msg("Purchase verified")
	metrics.RecordPurchase(string(kind), "granted", credits)

	if up.AcknowledgementState != 1 {
		if err := s.acknowledge(ctx, kind, productID, token); err != nil {
			log.Warn().Err(err).Msg("Failed to acknowledge purchase")
		}
	}

	*user = updated
	s.publish(&updated)
	return &VerifyResult{CreditsAdded: credits, User: &updated, Purchase: purchase}, nil
}

func (s *PurchaseService) tokenProcessed(ctx context.Context, token string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Purchase{}).Where("purchase_token = ?", token).Count(&n).Error; err != nil {
		return false, fmt.Errorf("checking purchase token: %w", err)
	}
	return n > 0, nil
}

func (s *PurchaseService) alreadyProcessed(ctx context.Context, user *models.User) (*VerifyResult, error) {
	var current models.User
	if err := s.db.WithContext(ctx).First(&current, "id = ?", user.ID).Error; err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	*user = current
	return &VerifyResult{AlreadyProcessed: true, User: &current}, nil
}

func (s *PurchaseService) lookup(ctx context.Context, kind PurchaseKind, productID, token string) (*upstreamPurchase, error) {
	if kind == KindSubscription {
		sub, err := s.billing.GetSubscription(ctx, productID, token)
		if err != nil {
			return nil, err
		}
		up := &upstreamPurchase{
			OrderID:              sub.OrderId,
			PurchaseState:        1,
			AcknowledgementState: int(sub.AcknowledgementState),
			Start:                s.millisOrNow(sub.StartTimeMillis),
			AutoRenewing:         sub.AutoRenewing,
		}
		// Subscriptions carry no purchase state; payment received (1) or a
		// free trial (2) count as purchased.
		if sub.PaymentState != nil && (*sub.PaymentState == 1 || *sub.PaymentState == 2) {
			up.PurchaseState = 0
		}
		if sub.ExpiryTimeMillis > 0 {
			expiry := time.UnixMilli(sub.ExpiryTimeMillis).UTC()
			up.Expiry = &expiry
		}
		return up, nil
	}

	p, err := s.billing.GetProduct(ctx, productID, token)
	if err != nil {
		return nil, err
	}
	return &upstreamPurchase{
		OrderID:              p.OrderId,
		PurchaseState:        int(p.PurchaseState),
		ConsumptionState:     int(p.ConsumptionState),
		AcknowledgementState: int(p.AcknowledgementState),
		Start:                s.millisOrNow(p.PurchaseTimeMillis),
	}, nil
}

func (s *PurchaseService) acknowledge(ctx context.Context, kind PurchaseKind, productID, token string) error {
	if kind == KindSubscription {
		return s.billing.AcknowledgeSubscription(ctx, productID, token)
	}
	return s.billing.AcknowledgeProduct(ctx, productID, token)
}

func (s *PurchaseService) millisOrNow(ms int64) time.Time {
	if ms <= 0 {
		return s.now()
	}
	return time.UnixMilli(ms).UTC()
}

func (s *PurchaseService) publish(user *models.User) {
	if s.events == nil {
		return
	}
	s.events.Publish(broker.AccountTopic(user.ID.String()), broker.Event{
		Type:               broker.EventCreditUpdate,
		Credits:            user.Credits,
		SubscriptionStatus: user.SubscriptionStatus,
	})
}
