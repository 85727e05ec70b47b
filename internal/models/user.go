package models

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	SubscriptionNone      = "none"
	SubscriptionActive    = "active"
	SubscriptionExpired   = "expired"
	SubscriptionCancelled = "cancelled"
)

type User struct {
	ID                    uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Email                 string     `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Username              string     `gorm:"type:varchar(100);uniqueIndex;not null" json:"username"`
	PasswordHash          string     `gorm:"type:varchar(255);not null" json:"-"`
	FirstName             *string    `gorm:"type:varchar(100)" json:"first_name"`
	LastName              *string    `gorm:"type:varchar(100)" json:"last_name"`
	PhoneNumber           *string    `gorm:"type:varchar(20);uniqueIndex" json:"phone_number"`
	DateOfBirth           *time.Time `gorm:"type:date" json:"date_of_birth"`
	Gender                *string    `gorm:"type:varchar(20)" json:"gender"`
	IsActive              bool       `gorm:"not null;default:true" json:"is_active"`
	EmailVerified         bool       `gorm:"not null;default:false" json:"email_verified"`
	Credits               int        `gorm:"not null;default:0" json:"credits"`
	SubscriptionStatus    string     `gorm:"type:varchar(20);not null;default:'none'" json:"subscription_status"`
	SubscriptionType      *string    `gorm:"type:varchar(50)" json:"subscription_type"`
	SubscriptionStartDate *time.Time `json:"subscription_start_date"`
	SubscriptionEndDate   *time.Time `json:"subscription_end_date"`
	SubscriptionAutoRenew bool       `gorm:"not null;default:false" json:"subscription_auto_renew"`
	LastLogin             *time.Time `json:"last_login"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`

	Dreams   []DreamAnalysis `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Sessions []UserSession   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.SubscriptionStatus == "" {
		u.SubscriptionStatus = SubscriptionNone
	}
	return nil
}

// SetPassword hashes password with the given bcrypt cost and stores it.
func (u *User) SetPassword(password string, cost int) error {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return nil
}

func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

func (u *User) FullName() string {
	if u.FirstName != nil && u.LastName != nil && *u.FirstName != "" && *u.LastName != "" {
		return *u.FirstName + " " + *u.LastName
	}
	return u.Username
}

// HasActiveSubscription reports whether the stored subscription window
// entitles the user at instant now.
func (u *User) HasActiveSubscription(now time.Time) bool {
	return u.SubscriptionStatus == SubscriptionActive &&
		u.SubscriptionEndDate != nil &&
		u.SubscriptionEndDate.After(now)
}

// UserView is the public JSON shape of a user.
type UserView struct {
	ID                 string  `json:"id"`
	Email              string  `json:"email"`
	Username           string  `json:"username"`
	FirstName          *string `json:"first_name"`
	LastName           *string `json:"last_name"`
	FullName           string  `json:"full_name"`
	IsActive           bool    `json:"is_active"`
	EmailVerified      bool    `json:"email_verified"`
	CreatedAt          string  `json:"created_at"`
	LastLogin          *string `json:"last_login"`
	DreamCount         int64   `json:"dream_count"`
	Credits            int     `json:"credits"`
	SubscriptionStatus string  `json:"subscription_status"`
}

func (u *User) View(dreamCount int64) UserView {
	return UserView{
		ID:                 u.ID.String(),
		Email:              u.Email,
		Username:           u.Username,
		FirstName:          u.FirstName,
		LastName:           u.LastName,
		FullName:           u.FullName(),
		IsActive:           u.IsActive,
		EmailVerified:      u.EmailVerified,
		CreatedAt:          FormatTime(u.CreatedAt),
		LastLogin:          FormatTimePtr(u.LastLogin),
		DreamCount:         dreamCount,
		Credits:            u.Credits,
		SubscriptionStatus: u.SubscriptionStatus,
	}
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func FormatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := FormatTime(*t)
	return &s
}
