package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Purchase is written once per verified purchase token.
type Purchase struct {
	ID                      uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID                  uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	ProductID               string     `gorm:"type:varchar(100);not null" json:"product_id"`
	PurchaseToken           string     `gorm:"type:varchar(500);not null;uniqueIndex" json:"purchase_token"`
	OrderID                 *string    `gorm:"type:varchar(100)" json:"order_id"`
	PurchaseTime            time.Time  `gorm:"not null" json:"purchase_time"`
	PurchaseState           int        `gorm:"not null" json:"purchase_state"`
	ConsumptionState        int        `gorm:"not null" json:"consumption_state"`
	AcknowledgementState    int        `gorm:"not null" json:"acknowledgement_state"`
	CreditsGranted          int        `gorm:"not null" json:"credits_granted"`
	IsSubscription          bool       `gorm:"not null" json:"is_subscription"`
	SubscriptionPeriodStart *time.Time `json:"subscription_period_start"`
	SubscriptionPeriodEnd   *time.Time `json:"subscription_period_end"`
	AutoRenewing            bool       `gorm:"not null" json:"auto_renewing"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

func (p *Purchase) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
