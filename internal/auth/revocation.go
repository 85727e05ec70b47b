package auth

import (
	"context"
	"time"

	"dream_analyzer_go_backend/internal/models"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RevocationStore records revoked token ids. Entries only need to outlive
// the token they revoke.
type RevocationStore interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// DBRevocationStore keeps revocations in the revoked_tokens table.
type DBRevocationStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewDBRevocationStore(db *gorm.DB) *DBRevocationStore {
	return &DBRevocationStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *DBRevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.RevokedToken{JTI: jti, ExpiresAt: expiresAt.UTC()}).Error
}

func (s *DBRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.RevokedToken{}).Where("jti = ?", jti).Count(&n).Error
	return n > 0, err
}

// Purge deletes revocations whose token has expired anyway.
func (s *DBRevocationStore) Purge(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", s.now()).Delete(&models.RevokedToken{})
	return res.RowsAffected, res.Error
}

// RedisRevocationStore keeps one key per revoked id with a TTL matching the
// token's remaining lifetime.
type RedisRevocationStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisRevocationStore(client *redis.Client) *RedisRevocationStore {
	return &RedisRevocationStore{
		client: client,
		prefix: "revoked:",
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisRevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return s.client.Set(ctx, s.prefix+jti, 1, ttl).Err()
}

func (s *RedisRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
