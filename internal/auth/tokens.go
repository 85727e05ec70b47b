package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	customerrors "dream_analyzer_go_backend/internal/errors"
	"dream_analyzer_go_backend/internal/models"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

type TokenType string

const (
	AccessToken  TokenType = "access"
	RefreshToken TokenType = "refresh"
)

// Claims are carried by both token types. Subject is the user id and Id is
// the revocable token id.
type Claims struct {
	Type TokenType `json:"type"`
	jwt.StandardClaims
}

func (c *Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

func (c *Claims) Expiry() time.Time {
	return time.Unix(c.ExpiresAt, 0).UTC()
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

type TokenConfig struct {
	Secret     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	SessionTTL time.Duration
}

// TokenService issues and validates JWTs and keeps the session bookkeeping
// that logout relies on.
type TokenService struct {
	db     *gorm.DB
	store  RevocationStore
	secret []byte
	cfg    TokenConfig
	now    func() time.Time
}

func NewTokenService(db *gorm.DB, store RevocationStore, cfg TokenConfig) *TokenService {
	return &TokenService{
		db:     db,
		store:  store,
		secret: []byte(cfg.Secret),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// IssueTokens signs a fresh access/refresh pair for user and records the
// session with the client's address and user agent.
func (s *TokenService) IssueTokens(ctx context.Context, user *models.User, ip, userAgent string) (*TokenPair, error) {
	access, accessID, err := s.sign(user.ID, AccessToken, s.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshID, err := s.sign(user.ID, RefreshToken, s.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}

	session := &models.UserSession{
		UserID:     user.ID,
		JTI:        accessID,
		RefreshJTI: refreshID,
		IsActive:   true,
		ExpiresAt:  s.now().Add(s.cfg.SessionTTL),
		IPAddress:  truncated(ip, 45),
		UserAgent:  truncated(userAgent, 0),
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("recording session: %w", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *TokenService) sign(userID uuid.UUID, typ TokenType, ttl time.Duration) (string, string, error) {
	now := s.now()
	jti := uuid.NewString()
	claims := &Claims{
		Type: typ,
		StandardClaims: jwt.StandardClaims{
			Id:        jti,
			Subject:   userID.String(),
			IssuedAt:  now.Unix(),
			NotBefore: now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("signing %s token: %w", typ, err)
	}
	return signed, jti, nil
}

// Parse validates signature, expiry, token type and revocation.
func (s *TokenService) Parse(ctx context.Context, raw string, want TokenType) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		var verr *jwt.ValidationError
		if errors.As(err, &verr) && verr.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, customerrors.New401Error("Token has expired")
		}
		return nil, customerrors.New401Error("Invalid token")
	}
	if claims.Type != want {
		return nil, customerrors.New401Error("Invalid token type")
	}
	if claims.Id == "" {
		return nil, customerrors.New401Error("Invalid token")
	}

	revoked, err := s.store.IsRevoked(ctx, claims.Id)
	if err != nil {
		return nil, fmt.Errorf("checking token revocation: %w", err)
	}
	if revoked {
		return nil, customerrors.New401Error("Token has been revoked")
	}
	return claims, nil
}

// Logout revokes the presented token, deactivates its session and revokes
// the session's sibling token as well.
func (s *TokenService) Logout(ctx context.Context, claims *Claims) error {
	if err := s.store.Revoke(ctx, claims.Id, claims.Expiry()); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}

	var session models.UserSession
	err := s.db.WithContext(ctx).
		Where("jti = ? OR refresh_jti = ?", claims.Id, claims.Id).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	if session.RefreshJTI != "" && session.RefreshJTI != claims.Id {
		if err := s.store.Revoke(ctx, session.RefreshJTI, s.now().Add(s.cfg.RefreshTTL)); err != nil {
			return fmt.Errorf("revoking refresh token: %w", err)
		}
	}
	if session.JTI != claims.Id {
		if err := s.store.Revoke(ctx, session.JTI, s.now().Add(s.cfg.AccessTTL)); err != nil {
			return fmt.Errorf("revoking access token: %w", err)
		}
	}
	if err := s.db.WithContext(ctx).Model(&session).Update("is_active", false).Error; err != nil {
		return fmt.Errorf("deactivating session: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("userID", claims.Subject).Str("session", session.ID.String()).Msg("Session closed")
	return nil
}

// Refresh issues a new access token for a validated refresh token, revokes
// the access token it replaces and points the owning session at the new one.
func (s *TokenService) Refresh(ctx context.Context, claims *Claims) (string, error) {
	userID, err := claims.UserID()
	if err != nil {
		return "", customerrors.New401Error("Invalid token")
	}

	var session models.UserSession
	err = s.db.WithContext(ctx).
		Where("refresh_jti = ? AND is_active = ?", claims.Id, true).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", customerrors.New401Error("Session is no longer active")
	}
	if err != nil {
		return "", fmt.Errorf("loading session: %w", err)
	}

	access, accessID, err := s.sign(userID, AccessToken, s.cfg.AccessTTL)
	if err != nil {
		return "", err
	}
	if session.JTI != "" {
		if err := s.store.Revoke(ctx, session.JTI, s.now().Add(s.cfg.AccessTTL)); err != nil {
			return "", fmt.Errorf("revoking replaced access token: %w", err)
		}
	}
	if err := s.db.WithContext(ctx).Model(&session).Update("jti", accessID).Error; err != nil {
		return "", fmt.Errorf("updating session: %w", err)
	}
	return access, nil
}

func truncated(s string, max int) *string {
	if s == "" {
		return nil
	}
	if max > 0 && len(s) > max {
		s = s[:max]
	}
	return &s
}
