package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/auth"
	"github.com/MarcoPoloResearchLab/collabcanvas/internal/ephemeral"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	ColorPicker func() string
	Logger      *zap.Logger
}

// Service manages canonical user identifiers and their display colors.
type Service struct {
	db        *gorm.DB
	now       func() time.Time
	pickColor func() string
	logger    *zap.Logger
	cache     sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	picker := cfg.ColorPicker
	if picker == nil {
		picker = randomColor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        cfg.Database,
		now:       clock,
		pickColor: picker,
		logger:    logger,
	}, nil
}

// ResolveProfile returns the canonical user id and persisted color for the session
// claims. A new identity is created, and a color assigned, the first time a
// provider+subject pair is seen.
func (s *Service) ResolveProfile(claims auth.SessionClaims) (Profile, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Profile{}, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if profile, ok := cached.(Profile); ok {
			return profile, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		userID, err := canonicalUserID(subject)
		if err != nil {
			return Profile{}, err
		}
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      userID,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			Color:       s.pickColor(),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return Profile{}, err
		}
		s.logger.Info("user identity created", zap.String("user_id", identity.UserID), zap.String("provider", provider))
	case err != nil:
		return Profile{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		if identity.Color == "" {
			identity.Color = s.pickColor()
			updates["user_color"] = identity.Color
		}
		if err := s.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("user identity refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}

	profile := Profile{UserID: identity.UserID, DisplayName: identity.DisplayName, Color: identity.Color}
	s.cache.Store(cacheKey, profile)
	return profile, nil
}

// ResolveCanonicalUserID returns only the canonical user id for the claims.
func (s *Service) ResolveCanonicalUserID(claims auth.SessionClaims) (string, error) {
	profile, err := s.ResolveProfile(claims)
	if err != nil {
		return "", err
	}
	return profile.UserID, nil
}

// canonicalUserID keeps the subject as the user id when it can address ephemeral paths
// and mints a UUIDv7 otherwise (e-mail subjects, for example).
func canonicalUserID(subject string) (string, error) {
	if ephemeral.ValidateSegment(subject) == nil {
		return subject, nil
	}
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
