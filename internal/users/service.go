// Package users resolves session logins to canonical chat users and tracks
// the identity the device acts as.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/relay/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/relay/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

var errMissingStore = errors.New("users: store required")

type contextKey struct{}

// WithCurrentUser attaches the acting user to ctx.
func WithCurrentUser(ctx context.Context, user chat.User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

func userFromContext(ctx context.Context) (chat.User, bool) {
	if ctx == nil {
		return chat.User{}, false
	}
	user, ok := ctx.Value(contextKey{}).(chat.User)
	return user, ok && user.UserID != ""
}

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Store  *store.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service maps provider identities to canonical users and implements
// chat.IdentityProvider.
type Service struct {
	store    *store.Store
	now      func() time.Time
	logger   *zap.Logger
	cache    sync.Map
	profiles sync.Map
	current  atomic.Pointer[chat.User]

	listenersMu sync.Mutex
	listeners   []func(chat.User)
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
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
		store:  cfg.Store,
		now:    clock,
		logger: logger,
	}, nil
}

// CurrentUser returns the user attached to ctx, falling back to the device user.
func (s *Service) CurrentUser(ctx context.Context) (chat.User, bool) {
	if user, ok := userFromContext(ctx); ok {
		return user, true
	}
	if user := s.current.Load(); user != nil {
		return *user, true
	}
	return chat.User{}, false
}

// OnCurrentUserChange registers a callback invoked when a different user
// becomes the device's current identity.
func (s *Service) OnCurrentUserChange(listener func(chat.User)) {
	if listener == nil {
		return
	}
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, listener)
	s.listenersMu.Unlock()
}

func (s *Service) setCurrent(user chat.User) {
	previous := s.current.Swap(&user)
	if previous != nil && previous.UserID == user.UserID {
		return
	}
	s.listenersMu.Lock()
	listeners := append([]func(chat.User){}, s.listeners...)
	s.listenersMu.Unlock()
	for _, listener := range listeners {
		listener(user)
	}
}

// SeedDeviceUser stores the configured device user and makes it current.
func (s *Service) SeedDeviceUser(ctx context.Context, userID, displayName string) (chat.User, error) {
	canonical, err := chat.NewUserID(userID)
	if err != nil {
		return chat.User{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	user := chat.User{UserID: canonical.String(), DisplayName: normalize(displayName)}
	if user.DisplayName == "" {
		user.DisplayName = user.UserID
	}
	if err := s.saveUser(ctx, &user); err != nil {
		return chat.User{}, err
	}
	s.profiles.Store(user.UserID, user)
	s.setCurrent(user)
	s.logger.Info("device user seeded", zap.String("user_id", user.UserID))
	return user, nil
}

// ResolveUser returns the canonical chat user for session claims, creating the
// identity mapping on first sight. The resolved user becomes the device's
// current identity. The user row is written only when the claims change a
// profile field.
func (s *Service) ResolveUser(ctx context.Context, claims auth.SessionClaims) (chat.User, error) {
	userID, err := s.ResolveCanonicalUserID(ctx, claims)
	if err != nil {
		return chat.User{}, err
	}
	if cached, ok := s.profiles.Load(userID); ok {
		if profile, ok := cached.(chat.User); ok && !profileChanged(profile, claims) {
			s.setCurrent(profile)
			return profile, nil
		}
	}

	var user chat.User
	err = s.store.Commit(ctx, func(tx *store.Tx) error {
		existing, err := tx.FindUser(chat.UserID(userID))
		if err != nil {
			return err
		}
		if existing != nil {
			user = *existing
		} else {
			user = chat.User{UserID: userID}
		}
		applyClaims(&user, claims)
		if user.DisplayName == "" {
			user.DisplayName = userID
		}
		user.UpdatedAtMillis = chat.UnixMillis(tx.Now())
		return tx.SaveUser(&user)
	})
	if err != nil {
		s.logger.Error("user upsert failed", zap.String("user_id", userID), zap.Error(err))
		return chat.User{}, err
	}
	s.profiles.Store(userID, user)
	s.setCurrent(user)
	return user, nil
}

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		if canonicalIdentifier, ok := cachedIdentifier.(string); ok {
			return canonicalIdentifier, nil
		}
	}

	if _, err := chat.NewUserID(subject); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	// Identity rows share the store's write executor with every other writer.
	var identity Identity
	err := s.store.Commit(ctx, func(tx *store.Tx) error {
		db := tx.DB()
		err := db.Where("provider = ? AND subject = ?", provider, subject).
			First(&identity).
			Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			identity = Identity{
				Provider:    provider,
				Subject:     subject,
				UserID:      subject,
				Email:       normalize(claims.UserEmail),
				DisplayName: normalize(claims.UserDisplayName),
				AvatarURL:   normalize(claims.UserAvatarURL),
				LastSeenAt:  s.now(),
			}
			return db.Create(&identity).Error
		case err != nil:
			return err
		}
		updates := map[string]any{"last_seen_at": s.now()}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
		}
		return db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
	})
	if err != nil {
		s.logger.Error("identity resolution failed", zap.String("provider", provider), zap.Error(err))
		return "", err
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

func (s *Service) saveUser(ctx context.Context, user *chat.User) error {
	return s.store.Commit(ctx, func(tx *store.Tx) error {
		return tx.SaveUser(user)
	})
}

func applyClaims(user *chat.User, claims auth.SessionClaims) {
	if display := normalize(claims.UserDisplayName); display != "" {
		user.DisplayName = display
	}
	if email := normalize(claims.UserEmail); email != "" {
		user.Email = email
	}
	if avatar := normalize(claims.UserAvatarURL); avatar != "" {
		user.AvatarURL = avatar
	}
}

func profileChanged(profile chat.User, claims auth.SessionClaims) bool {
	updated := profile
	applyClaims(&updated, claims)
	return updated != profile
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
