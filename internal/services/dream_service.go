package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"dream_analyzer_go_backend/internal/database"
	customerrors "dream_analyzer_go_backend/internal/errors"
	"dream_analyzer_go_backend/internal/metrics"
	"dream_analyzer_go_backend/internal/models"
	"dream_analyzer_go_backend/internal/utils/broker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const (
	MaxDreamLength   = 5000
	DefaultPerPage   = 20
	MaxPerPage       = 100
	analyzeEndpoint  = "analyze_dream"
	DefaultAdvice    = "استمر في تدوين أحلامك لفهم أفضل لذاتك."
	systemPrompt     = "أنت محلل أحلام خبير ومتخصص في علم النفس. تجيب باللغة العربية فقط."
	dreamPromptStart = "أنت محلل أحلام خبير ومتخصص في علم النفس. حلل الحلم التالي وقدم رؤى عميقة ومفيدة:\n"
	dreamPromptEnd   = "يرجى تقديم:\n" +
		"1. تحليل شامل للحلم مع تفسير الرموز والمعاني\n" +
		"2. الرسائل النفسية والعاطفية\n" +
		"3. الدلالات المحتملة في الحياة الواقعية\n" +
		"4. نصائح شخصية للاستفادة من هذا الحلم\n" +
		"أجب باللغة العربية فقط."
	contextPrefix = "معلومات إضافية عن الحالم: "
)

// Markers are tried in order; the longer form first so that its article is
// not left behind in the analysis text.
var adviceMarkers = []string{"النصائح:", "نصائح:"}

type AnalyzeRequest struct {
	DreamText  string
	Context    string
	MoodBefore *string
	MoodAfter  *string
	Tags       []string
}

type AnalyzeResult struct {
	Dream            *models.DreamAnalysis
	CreditsRemaining int
}

type DreamHistory struct {
	Dreams  []models.DreamAnalysis
	Total   int64
	Pages   int
	Page    int
	PerPage int
}

type DreamService struct {
	db           *gorm.DB
	completer    Completer
	events       EventPublisher
	costPerToken float64
	now          func() time.Time
}

// NewDreamService builds the analysis gateway. A nil completer means no AI
// provider is configured and every analysis is refused.
func NewDreamService(db *gorm.DB, completer Completer, events EventPublisher, costPerToken float64) *DreamService {
	return &DreamService{
		db:           db,
		completer:    completer,
		events:       events,
		costPerToken: costPerToken,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *DreamService) Analyze(ctx context.Context, user *models.User, req AnalyzeRequest) (*AnalyzeResult, error) {
	log := zerolog.Ctx(ctx)

	dreamText := strings.TrimSpace(req.DreamText)
	if dreamText == "" {
		return nil, customerrors.New400Error("Dream text cannot be empty")
	}
	if utf8.RuneCountInString(dreamText) > MaxDreamLength {
		return nil, customerrors.New400Error(fmt.Sprintf("Dream text is too long (max %d characters)", MaxDreamLength))
	}
	if s.completer == nil {
		return nil, customerrors.NewServiceUnavailableError("AI service is not configured")
	}

	credits, subscribed, err := s.chargeAttempt(ctx, user)
	if err != nil {
		metrics.RecordAnalysis("refused", 0)
		return nil, err
	}
	if !subscribed {
		s.publish(user, credits)
	}

	completion, err := s.completer.Complete(ctx, buildMessages(dreamText, req.Context))
	if err != nil {
		log.Error().Err(err).Str("userID", user.ID.String()).Msg("AI completion failed")
		metrics.RecordAnalysis("failed", 0)
		return nil, customerrors.NewAnalysisFailedError(err)
	}

	analysis, advice := splitAdvice(completion.Text)
	dream := &models.DreamAnalysis{
		UserID:     user.ID,
		DreamText:  dreamText,
		Analysis:   analysis,
		Advice:     advice,
		MoodBefore: req.MoodBefore,
		MoodAfter:  req.MoodAfter,
		IsPrivate:  true,
	}
	if err := dream.SetTags(req.Tags); err != nil {
		return nil, customerrors.New400Error("Invalid tags")
	}
	usage := &models.APIUsage{
		UserID:     user.ID,
		Endpoint:   analyzeEndpoint,
		TokensUsed: completion.TokensUsed,
		Cost:       roundCost(float64(completion.TokensUsed) * s.costPerToken),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(dream).Error; err != nil {
			return err
		}
		return tx.Create(usage).Error
	})
	if err != nil {
		log.Error().Err(err).Str("userID", user.ID.String()).Msg("Failed to save dream analysis")
		metrics.RecordAnalysis("failed", completion.TokensUsed)
		return nil, customerrors.NewAnalysisFailedError(err)
	}

	metrics.RecordAnalysis("success", completion.TokensUsed)
	log.Info().
		Str("userID", user.ID.String()).
		Str("dreamID", dream.ID.String()).
		Int("tokens", completion.TokensUsed).
		Msg("Dream analyzed")
	return &AnalyzeResult{Dream: dream, CreditsRemaining: credits}, nil
}

// chargeAttempt checks entitlement and, for users without an active
// subscription, debits one credit. The debit is a single conditional update
// so concurrent requests can never drive credits below zero.
func (s *DreamService) chargeAttempt(ctx context.Context, user *models.User) (credits int, subscribed bool, err error) {
	var current models.User
	if err := s.db.WithContext(ctx).First(&current, "id = ?", user.ID).Error; err != nil {
		if database.IsNotFound(err) {
			return 0, false, customerrors.New404Error("User not found")
		}
		return 0, false, fmt.Errorf("loading user: %w", err)
	}
	if current.HasActiveSubscription(s.now()) {
		user.Credits = current.Credits
		return current.Credits, true, nil
	}
	if current.Credits <= 0 {
		return 0, false, customerrors.New402Error("No credits remaining. Please purchase more credits or subscribe.")
	}

	res := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND credits > 0", user.ID).
		UpdateColumn("credits", gorm.Expr("credits - 1"))
	if res.Error != nil {
		return 0, false, fmt.Errorf("debiting credit: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, false, customerrors.New402Error("No credits remaining. Please purchase more credits or subscribe.")
	}

	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Pluck("credits", &credits).Error; err != nil {
		return 0, false, fmt.Errorf("reading credits: %w", err)
	}
	user.Credits = credits
	return credits, false, nil
}

func (s *DreamService) publish(user *models.User, credits int) {
	if s.events == nil {
		return
	}
	s.events.Publish(broker.AccountTopic(user.ID.String()), broker.Event{
		Type:               broker.EventCreditUpdate,
		Credits:            credits,
		SubscriptionStatus: user.SubscriptionStatus,
	})
}

func (s *DreamService) History(ctx context.Context, userID uuid.UUID, page, perPage int) (*DreamHistory, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	scope := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&models.DreamAnalysis{}).Where("user_id = ?", userID)
	}

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		return nil, fmt.Errorf("counting dreams: %w", err)
	}
	var dreams []models.DreamAnalysis
	if err := scope().Order("created_at DESC").Offset((page - 1) * perPage).Limit(perPage).Find(&dreams).Error; err != nil {
		return nil, fmt.Errorf("listing dreams: %w", err)
	}

	return &DreamHistory{
		Dreams:  dreams,
		Total:   total,
		Pages:   int((total + int64(perPage) - 1) / int64(perPage)),
		Page:    page,
		PerPage: perPage,
	}, nil
}

func buildMessages(dreamText, userContext string) []Message {
	messages := []Message{{Role: RoleSystem, Content: systemPrompt}}
	if c := strings.TrimSpace(userContext); c != "" {
		messages = append(messages, Message{Role: RoleUser, Content: contextPrefix + c})
	}
	prompt := dreamPromptStart + "الحلم: " + dreamText + "\n" + dreamPromptEnd
	return append(messages, Message{Role: RoleUser, Content: prompt})
}

// splitAdvice separates the analysis from the advice section that follows
// the first advice marker.
func splitAdvice(text string) (analysis, advice string) {
	text = strings.TrimSpace(text)
	for _, marker := range adviceMarkers {
		if !strings.Contains(text, marker) {
			continue
		}
		parts := strings.SplitN(text, marker, 2)
		analysis = strings.TrimSpace(parts[0])
		advice = strings.TrimSpace(parts[1])
		if advice == "" {
			advice = DefaultAdvice
		}
		return analysis, advice
	}
	return text, DefaultAdvice
}

func roundCost(c float64) float64 {
	return math.Round(c*1e6) / 1e6
}
