package service

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/service/publisher"
	"github.com/ifuryst/herald/pkg/clock"
)

// CredentialStore returns the usable credential of a user for a platform,
// or nil when none exists or it has expired.
type CredentialStore interface {
	GetValidCredential(ctx context.Context, ownerID, platform string) (*publisher.Credential, error)
}

// ContentStore resolves a content reference. It returns ErrContent when the
// reference points at nothing.
type ContentStore interface {
	ResolveContent(ctx context.Context, ref string) (*models.Content, error)
}

type TokenStore struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewTokenStore(db *gorm.DB, clk clock.Clock) *TokenStore {
	if clk == nil {
		clk = clock.System()
	}
	return &TokenStore{db: db, clock: clk}
}

func (s *TokenStore) GetValidCredential(ctx context.Context, ownerID, platform string) (*publisher.Credential, error) {
	var token models.PlatformToken
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND provider = ?", ownerID, platform).
		First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	cred := &publisher.Credential{AccessToken: token.AccessToken, ExpiresAt: token.ExpiresAt}
	if !cred.Valid(s.clock.Now()) {
		return nil, nil
	}
	return cred, nil
}

// SaveToken stores or replaces the token of a user for a provider.
func (s *TokenStore) SaveToken(ctx context.Context, token *models.PlatformToken) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "expires_at", "updated_at"}),
	}).Create(token).Error
}

type GormContentStore struct {
	db *gorm.DB
}

func NewContentStore(db *gorm.DB) *GormContentStore {
	return &GormContentStore{db: db}
}

func (s *GormContentStore) ResolveContent(ctx context.Context, ref string) (*models.Content, error) {
	var content models.Content
	err := s.db.WithContext(ctx).Where("id = ?", ref).First(&content).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: content %s not found", ErrContent, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load content: %w", err)
	}
	return &content, nil
}

func (s *GormContentStore) CreateContent(ctx context.Context, content *models.Content) error {
	return s.db.WithContext(ctx).Create(content).Error
}
