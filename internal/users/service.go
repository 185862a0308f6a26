package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

const defaultProvider = "default"

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service turns session claims into the identity attached to a connection.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Resolve records the login described by claims and returns the identity a
// connection carries. Profile fields missing from the token are filled from
// the last stored values.
func (s *Service) Resolve(claims auth.SessionClaims) (rooms.Identity, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return rooms.Identity{}, ErrInvalidIdentity
	}
	cacheKey := provider + ":" + subject

	stored, err := s.lookup(cacheKey, provider, subject)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		stored = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			UserCode:    normalize(claims.UserCode),
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  s.now(),
		}
		result := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&stored)
		if result.Error != nil {
			return rooms.Identity{}, result.Error
		}
		if result.RowsAffected == 0 {
			// A concurrent login created the row first.
			if err := s.db.
				Where("provider = ? AND subject = ?", provider, subject).
				First(&stored).
				Error; err != nil {
				return rooms.Identity{}, err
			}
		} else {
			s.logger.Info("user identity created",
				zap.String("provider", provider),
				zap.String("user_id", stored.UserID))
		}
	} else if err != nil {
		return rooms.Identity{}, err
	} else if updates := profileUpdates(stored, claims); len(updates) > 0 {
		updates["last_seen_at"] = s.now()
		if err := s.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("user identity update failed", zap.String("user_id", stored.UserID), zap.Error(err))
		} else {
			applyUpdates(&stored, updates)
		}
	}

	s.cache.Store(cacheKey, stored)
	return rooms.Identity{
		UserID:   stored.UserID,
		UserCode: stored.UserCode,
		UserName: stored.DisplayName,
		Email:    stored.Email,
	}, nil
}

func (s *Service) lookup(cacheKey, provider, subject string) (Identity, error) {
	if cached, ok := s.cache.Load(cacheKey); ok {
		if identity, ok := cached.(Identity); ok {
			return identity, nil
		}
	}
	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	return identity, err
}

func profileUpdates(stored Identity, claims auth.SessionClaims) map[string]interface{} {
	updates := map[string]interface{}{}
	if code := normalize(claims.UserCode); code != "" && code != stored.UserCode {
		updates["user_code"] = code
	}
	if email := normalize(claims.UserEmail); email != "" && email != stored.Email {
		updates["user_email"] = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != stored.DisplayName {
		updates["user_display_name"] = display
	}
	return updates
}

func applyUpdates(identity *Identity, updates map[string]interface{}) {
	if code, ok := updates["user_code"].(string); ok {
		identity.UserCode = code
	}
	if email, ok := updates["user_email"].(string); ok {
		identity.Email = email
	}
	if display, ok := updates["user_display_name"].(string); ok {
		identity.DisplayName = display
	}
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
