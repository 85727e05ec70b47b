package services

import (
	"context"
	"fmt"
	"time"

	"dream_analyzer_go_backend/internal/database"
	customerrors "dream_analyzer_go_backend/internal/errors"
	"dream_analyzer_go_backend/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

type SubscriptionStatus struct {
	SubscriptionStatus    string  `json:"subscription_status"`
	SubscriptionType      *string `json:"subscription_type"`
	SubscriptionStartDate *string `json:"subscription_start_date"`
	SubscriptionEndDate   *string `json:"subscription_end_date"`
	SubscriptionAutoRenew bool    `json:"subscription_auto_renew"`
	Credits               int     `json:"credits"`
	IsActive              bool    `json:"is_active"`
}

// SubscriptionService reconciles stored subscription windows with the clock.
type SubscriptionService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSubscriptionService(db *gorm.DB) *SubscriptionService {
	return &SubscriptionService{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// GetStatus returns the user's subscription view. A window that has already
// ended is marked expired and saved before the view is built.
func (s *SubscriptionService) GetStatus(ctx context.Context, userID uuid.UUID) (*SubscriptionStatus, error) {
	user, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if user.SubscriptionEndDate != nil && user.SubscriptionEndDate.Before(now) &&
		user.SubscriptionStatus != models.SubscriptionExpired {
		if err := s.db.WithContext(ctx).Model(user).Update("subscription_status", models.SubscriptionExpired).Error; err != nil {
			return nil, fmt.Errorf("expiring subscription: %w", err)
		}
		user.SubscriptionStatus = models.SubscriptionExpired
		zerolog.Ctx(ctx).Info().Str("userID", user.ID.String()).Msg("Subscription marked expired")
	}

	return &SubscriptionStatus{
		SubscriptionStatus:    user.SubscriptionStatus,
		SubscriptionType:      user.SubscriptionType,
		SubscriptionStartDate: models.FormatTimePtr(user.SubscriptionStartDate),
		SubscriptionEndDate:   models.FormatTimePtr(user.SubscriptionEndDate),
		SubscriptionAutoRenew: user.SubscriptionAutoRenew,
		Credits:               user.Credits,
		IsActive:              user.HasActiveSubscription(now),
	}, nil
}

// Cancel turns auto-renew off. The status is left alone and nothing is sent
// to Google Play.
func (s *SubscriptionService) Cancel(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	user, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(user).Update("subscription_auto_renew", false).Error; err != nil {
		return nil, fmt.Errorf("cancelling auto-renew: %w", err)
	}
	user.SubscriptionAutoRenew = false
	return user, nil
}

// ExpireLapsed applies the GetStatus rule to every user at once and returns
// the number of rows changed.
func (s *SubscriptionService) ExpireLapsed(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.User{}).
		Where("subscription_end_date IS NOT NULL AND subscription_end_date < ? AND subscription_status <> ?",
			s.now(), models.SubscriptionExpired).
		Update("subscription_status", models.SubscriptionExpired)
	return res.RowsAffected, res.Error
}

func (s *SubscriptionService) load(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, customerrors.New404Error("User not found")
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}
	return &user, nil
}
