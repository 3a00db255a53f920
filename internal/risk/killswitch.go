package risk

import (
	"context"
	"errors"
	"fmt"

	"gridbot/internal/clock"
	"gridbot/internal/domain"
	"gridbot/internal/store"
)

// KillSwitchService implements the per-user kill-switch of spec.md §4.5:
// enabling it stops every RUNNING/WAITING_TRIGGER bot belonging to the
// user and is safe to call repeatedly (first enable wins the audit
// timestamp, bot-level CAS misses are swallowed as idempotent).
type KillSwitchService struct {
	store store.Store
	clock clock.Clock
}

func NewKillSwitchService(s store.Store, c clock.Clock) *KillSwitchService {
	return &KillSwitchService{store: s, clock: c}
}

// Enable sets the user's kill-switch (a no-op if already set, preserving
// the original enabledAt) and then CAS-bumps every eligible bot of theirs
// to STOPPING.
func (k *KillSwitchService) Enable(ctx context.Context, userID, reason string) error {
	user, err := k.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		user = &domain.User{ID: userID}
	} else if err != nil {
		return fmt.Errorf("get user: %w", err)
	}

	if !user.KillSwitchEnabled {
		now := k.clock.Now()
		user.KillSwitchEnabled = true
		user.KillSwitchEnabledAt = &now
		user.KillSwitchReason = reason
		if err := k.store.UpsertUser(ctx, user); err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
	}

	return k.stopEligibleBots(ctx, userID, reason)
}

// Disable clears the runtime flag but intentionally leaves the audit
// fields (enabledAt/reason) untouched (spec.md §4.5 "does NOT clear the
// audit fields").
func (k *KillSwitchService) Disable(ctx context.Context, userID string) error {
	user, err := k.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	user.KillSwitchEnabled = false
	return k.store.UpsertUser(ctx, user)
}

// IsEnabled reports whether a user's bots must currently refuse new
// trigger/order intents (spec.md §4.5 "Trigger/Order must refuse to
// submit new intents for their bots").
func (k *KillSwitchService) IsEnabled(ctx context.Context, userID string) (bool, error) {
	user, err := k.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get user: %w", err)
	}
	return user.KillSwitchEnabled, nil
}

func (k *KillSwitchService) stopEligibleBots(ctx context.Context, userID, reason string) error {
	for _, status := range []domain.BotStatus{domain.BotStatusRunning, domain.BotStatusWaitingTrigger} {
		bots, err := k.store.ListBotsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("list bots by status %s: %w", status, err)
		}
		for _, b := range bots {
			if b.UserID != userID {
				continue
			}
			lastError := "KILL_SWITCH: " + reason
			_, err := k.store.UpdateBotCAS(ctx, b.ID, b.StatusVersion, func(next *domain.Bot) error {
				next.Status = domain.BotStatusStopping
				next.LastError = lastError
				return nil
			})
			if err != nil && err != store.ErrCASFailed {
				return fmt.Errorf("stop bot %s: %w", b.ID, err)
			}
			// A CAS miss means another actor already moved this bot;
			// swallowed as idempotent per spec.md §4.5.
		}
	}
	return nil
}
