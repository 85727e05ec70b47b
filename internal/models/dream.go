package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DreamAnalysis struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	DreamText  string         `gorm:"type:text;not null" json:"dream_text"`
	Analysis   string         `gorm:"type:text;not null" json:"analysis"`
	Advice     string         `gorm:"type:text;not null" json:"advice"`
	MoodBefore *string        `gorm:"type:varchar(50)" json:"mood_before"`
	MoodAfter  *string        `gorm:"type:varchar(50)" json:"mood_after"`
	Tags       datatypes.JSON `json:"tags"`
	IsPrivate  bool           `gorm:"not null;default:true" json:"is_private"`
	CreatedAt  time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (d *DreamAnalysis) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// SetTags stores tags as a JSON array; nil becomes an empty array.
func (d *DreamAnalysis) SetTags(tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	d.Tags = datatypes.JSON(raw)
	return nil
}

func (d *DreamAnalysis) TagList() []string {
	tags := []string{}
	if len(d.Tags) == 0 {
		return tags
	}
	if err := json.Unmarshal(d.Tags, &tags); err != nil || tags == nil {
		return []string{}
	}
	return tags
}

type DreamView struct {
	ID         string   `json:"id"`
	UserID     string   `json:"user_id"`
	DreamText  string   `json:"dream_text"`
	Analysis   string   `json:"analysis"`
	Advice     string   `json:"advice"`
	MoodBefore *string  `json:"mood_before"`
	MoodAfter  *string  `json:"mood_after"`
	Tags       []string `json:"tags"`
	IsPrivate  bool     `json:"is_private"`
	CreatedAt  string   `json:"created_at"`
	Timestamp  string   `json:"timestamp"`
	UpdatedAt  string   `json:"updated_at"`
}

func (d *DreamAnalysis) View() DreamView {
	return DreamView{
		ID:         d.ID.String(),
		UserID:     d.UserID.String(),
		DreamText:  d.DreamText,
		Analysis:   d.Analysis,
		Advice:     d.Advice,
		MoodBefore: d.MoodBefore,
		MoodAfter:  d.MoodAfter,
		Tags:       d.TagList(),
		IsPrivate:  d.IsPrivate,
		CreatedAt:  FormatTime(d.CreatedAt),
		Timestamp:  FormatTime(d.CreatedAt),
		UpdatedAt:  FormatTime(d.UpdatedAt),
	}
}

// APIUsage records one completion call that reached the provider.
type APIUsage struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;index"`
	Endpoint   string    `gorm:"type:varchar(100);not null"`
	TokensUsed int       `gorm:"default:0"`
	Cost       float64   `gorm:"type:numeric(10,6);default:0"`
	CreatedAt  time.Time
}

func (APIUsage) TableName() string {
	return "api_usage"
}

func (a *APIUsage) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
