package identity

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"labfolio/api/internal/store"
)

type profileStore interface {
	GetProfiles(ctx context.Context, userIDs []string) (map[string]store.Profile, error)
}

type providerLookup interface {
	Configured() bool
	GetUserByID(ctx context.Context, userID string) (Account, error)
}

type avatarResolver interface {
	ResolveURL(ctx context.Context, key string) (string, error)
}

// Directory is the identity directory adapter: local profile rows
// first, cached copies second, the identity provider last. Ids that
// resolve nowhere map to nil rather than failing the batch.
type Directory struct {
	store    profileStore
	provider providerLookup
	cache    *ProfileCache
	avatars  avatarResolver
	logger   *zap.Logger
}

func NewDirectory(profiles profileStore, provider providerLookup, cache *ProfileCache, avatars avatarResolver, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		store:    profiles,
		provider: provider,
		cache:    cache,
		avatars:  avatars,
		logger:   logger,
	}
}

// ResolveProfiles batch-resolves display profiles for the given ids.
// The result holds an entry for every requested id; unresolvable ids
// map to nil.
func (d *Directory) ResolveProfiles(ctx context.Context, userIDs []string) (map[string]*store.Profile, error) {
	resolved := make(map[string]*store.Profile, len(userIDs))
	missing := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if _, seen := resolved[id]; seen {
			continue
		}
		resolved[id] = nil
		if profile, ok := d.cached(ctx, id); ok {
			p := profile
			resolved[id] = &p
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		local, err := d.store.GetProfiles(ctx, missing)
		if err != nil {
			return nil, err
		}
		remaining := missing[:0]
		for _, id := range missing {
			if profile, ok := local[id]; ok {
				p := profile
				resolved[id] = &p
				d.remember(ctx, profile)
				continue
			}
			remaining = append(remaining, id)
		}
		missing = remaining
	}

	// Provider fallback needs the privileged service key; without it
	// the remaining ids stay nil.
	if d.provider != nil && d.provider.Configured() {
		for _, id := range missing {
			account, err := d.provider.GetUserByID(ctx, id)
			if err != nil {
				if !errors.Is(err, ErrAccountNotFound) {
					d.logger.Warn("identity provider lookup failed", zap.String("user_id", id), zap.Error(err))
				}
				continue
			}
			profile := profileFromAccount(id, account)
			resolved[id] = &profile
			d.remember(ctx, profile)
		}
	}

	for id, profile := range resolved {
		if profile == nil || profile.AvatarURL == "" || d.avatars == nil {
			continue
		}
		resolvedURL, err := d.avatars.ResolveURL(ctx, profile.AvatarURL)
		if err != nil {
			d.logger.Warn("avatar url resolution failed", zap.String("user_id", id), zap.Error(err))
			continue
		}
		profile.AvatarURL = resolvedURL
	}

	return resolved, nil
}

func (d *Directory) cached(ctx context.Context, userID string) (store.Profile, bool) {
	if d.cache == nil {
		return store.Profile{}, false
	}
	profile, ok, err := d.cache.Get(ctx, userID)
	if err != nil {
		d.logger.Warn("profile cache read failed", zap.String("user_id", userID), zap.Error(err))
		return store.Profile{}, false
	}
	return profile, ok
}

func (d *Directory) remember(ctx context.Context, profile store.Profile) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Set(ctx, profile); err != nil {
		d.logger.Warn("profile cache write failed", zap.String("user_id", profile.ID), zap.Error(err))
	}
}

// Invalidate drops the cached copy after provider metadata changes.
func (d *Directory) Invalidate(ctx context.Context, userID string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Invalidate(ctx, userID); err != nil {
		d.logger.Warn("profile cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func profileFromAccount(userID string, account Account) store.Profile {
	first := account.metaString("first_name")
	last := account.metaString("last_name")
	if first == "" && last == "" {
		first, last = SplitFullName(account.FullName())
	}
	return store.Profile{
		ID:        userID,
		FirstName: first,
		LastName:  last,
		Email:     strings.ToLower(strings.TrimSpace(account.Email)),
		AvatarURL: account.metaString("avatar_url"),
	}
}

// SplitFullName derives first/last name from a single metadata field.
// Everything after the first word becomes the last name.
func SplitFullName(full string) (first, last string) {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return "", ""
	}
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}
