package ownership

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"pillpal-hub/pkg/models"
)

// SessionSource reports the authenticated session. Issuing and revoking
// credentials happens elsewhere; the hub only reads and refreshes.
type SessionSource interface {
	CurrentSession(ctx context.Context) (*models.Session, error)
	RefreshSession(ctx context.Context) (*models.Session, error)
}

// MembershipSource answers whether a user is a caregiver on another account.
type MembershipSource interface {
	MembershipFor(ctx context.Context, memberUserID string) (*models.Membership, error)
}

// Resolver answers "whose schedule and history do we operate on". A caregiver
// with an accepted invitation acts on the owner's data; everyone else acts on
// their own. The answer is cached until invalidated or rechecked.
type Resolver struct {
	sessions      SessionSource
	memberships   MembershipSource
	refreshWindow time.Duration

	mu     sync.Mutex
	cached *models.Ownership
}

func NewResolver(sessions SessionSource, memberships MembershipSource) *Resolver {
	return &Resolver{
		sessions:      sessions,
		memberships:   memberships,
		refreshWindow: 5 * time.Minute,
	}
}

// Resolve returns the effective ownership, computing and caching it on first
// use.
func (r *Resolver) Resolve(ctx context.Context) (*models.Ownership, error) {
	r.mu.Lock()
	if r.cached != nil {
		cached := r.cached
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	ownership, err := r.resolve(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cached = ownership
	r.mu.Unlock()
	return ownership, nil
}

func (r *Resolver) resolve(ctx context.Context) (*models.Ownership, error) {
	session, err := r.currentSession(ctx)
	if err != nil {
		return nil, err
	}

	membership, err := r.memberships.MembershipFor(ctx, session.UserID)
	switch {
	case err == nil && membership.Status == models.MembershipAccepted:
		log.Printf("👥 Acting as caregiver for account %s", membership.OwnerUserID)
		return &models.Ownership{EffectiveUserID: membership.OwnerUserID, IsOwner: false}, nil
	case err == nil:
		// pending or rejected invitations confer nothing
		return &models.Ownership{EffectiveUserID: session.UserID, IsOwner: true}, nil
	case errors.Is(err, models.ErrNotFound):
		return &models.Ownership{EffectiveUserID: session.UserID, IsOwner: true}, nil
	default:
		// On lookup failure, fall back to acting as the owner rather than
		// locking the user out of their own dispenser.
		log.Printf("⚠️  Membership lookup failed, assuming owner: %v", err)
		return &models.Ownership{EffectiveUserID: session.UserID, IsOwner: true}, nil
	}
}

// currentSession fetches the session, refreshing expired or nearly-expired
// credentials once before giving up.
func (r *Resolver) currentSession(ctx context.Context) (*models.Session, error) {
	session, err := r.sessions.CurrentSession(ctx)
	if err != nil {
		if session == nil {
			return nil, fmt.Errorf("no usable session: %w", err)
		}
		// Expired credentials: refresh and retry once.
		refreshed, rerr := r.sessions.RefreshSession(ctx)
		if rerr != nil {
			return nil, fmt.Errorf("failed to refresh expired session: %w", rerr)
		}
		return refreshed, nil
	}

	if session.ExpiringSoon(r.refreshWindow) {
		if refreshed, rerr := r.sessions.RefreshSession(ctx); rerr == nil {
			return refreshed, nil
		} else {
			log.Printf("⚠️  Session refresh failed, continuing with current credentials: %v", rerr)
		}
	}

	return session, nil
}

// Invalidate drops the cached answer; the next Resolve recomputes it.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

// Recheck recomputes ownership, updating the cache. Returns true when the
// effective account changed, e.g. a caregiver invitation was revoked.
func (r *Resolver) Recheck(ctx context.Context) (*models.Ownership, bool, error) {
	fresh, err := r.resolve(ctx)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	previous := r.cached
	r.cached = fresh
	r.mu.Unlock()

	changed := previous != nil && previous.EffectiveUserID != fresh.EffectiveUserID
	if changed {
		log.Printf("👥 Effective account changed: %s -> %s", previous.EffectiveUserID, fresh.EffectiveUserID)
	}
	return fresh, changed, nil
}

// EffectiveUserID returns the cached effective account, empty when not yet
// resolved.
func (r *Resolver) EffectiveUserID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached == nil {
		return ""
	}
	return r.cached.EffectiveUserID
}
