package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserSession tracks one issued token pair for logout bookkeeping.
type UserSession struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;index"`
	JTI        string    `gorm:"column:jti;type:varchar(255);uniqueIndex;not null"`
	RefreshJTI string    `gorm:"column:refresh_jti;type:varchar(255);index"`
	IsActive   bool      `gorm:"not null;default:true"`
	CreatedAt  time.Time
	ExpiresAt  time.Time `gorm:"not null"`
	IPAddress  *string   `gorm:"type:varchar(45)"`
	UserAgent  *string   `gorm:"type:text"`
}

func (s *UserSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// RevokedToken is one revoked JWT id; rows past ExpiresAt can be purged.
type RevokedToken struct {
	JTI       string    `gorm:"column:jti;type:varchar(255);primaryKey"`
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time
}

// All lists every persisted model, in dependency order.
func All() []interface{} {
	return []interface{}{
		&User{},
		&UserSession{},
		&DreamAnalysis{},
		&APIUsage{},
		&Purchase{},
		&RevokedToken{},
	}
}
