// Package notify derives unread counts and "new" flags from the chat store
// and pushes them to live badge subscriptions.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"memechat/internal/hub"
	"memechat/internal/metrics"
	"memechat/internal/models"
	"memechat/internal/store"
	"memechat/internal/utils"
)

const TopicAlerts = "alerts"

// Aggregator has no state of its own beyond a cache: every value it serves
// can be recomputed from the store.
type Aggregator struct {
	store  store.Store
	cache  Cache
	logger zerolog.Logger
	alerts *hub.Registry[*models.Alerts]
	now    func() time.Time

	// gens counts invalidations per user so a slow recompute cannot cache
	// a value older than a concurrent invalidation.
	mu   sync.Mutex
	gens map[string]uint64
}

func NewAggregator(st store.Store, cache Cache, logger zerolog.Logger) *Aggregator {
	logger = logger.With().Str("component", "notify").Logger()
	return &Aggregator{
		store:  st,
		cache:  cache,
		logger: logger,
		alerts: hub.NewRegistry[*models.Alerts](TopicAlerts, logger),
		now:    time.Now,
		gens:   make(map[string]uint64),
	}
}

// Start attaches to the change feed and keeps caches and live badges current.
func (a *Aggregator) Start(ctx context.Context) error {
	events, err := a.store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("notify: watch: %w", err)
	}
	go func() {
		for ev := range events {
			metrics.FeedEvents.WithLabelValues("notify", string(ev.Kind)).Inc()
			a.handle(ctx, ev)
		}
	}()
	return nil
}

func (a *Aggregator) handle(ctx context.Context, ev models.Event) {
	switch ev.Kind {
	case models.EventMessageCreated:
		for _, u := range ev.Users {
			if u != ev.ActorID {
				a.refresh(ctx, u)
			}
		}
	case models.EventReadStateUpdated, models.EventNotificationCreated,
		models.EventRoomCreated, models.EventMembershipChanged:
		for _, u := range ev.Users {
			a.refresh(ctx, u)
		}
	}
}

func (a *Aggregator) generation(userID string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gens[userID]
}

func (a *Aggregator) bump(userID string) {
	a.mu.Lock()
	a.gens[userID]++
	a.mu.Unlock()
}

// refresh drops the cached value and, when someone is watching, recomputes
// and pushes it.
func (a *Aggregator) refresh(ctx context.Context, userID string) {
	a.bump(userID)
	if err := a.cache.Delete(ctx, userID); err != nil {
		a.logger.Warn().Err(err).Str("user", userID).Msg("alert cache delete")
	}
	if !a.alerts.Has(userID) {
		return
	}
	version := a.alerts.Version()
	alerts, err := a.Alerts(ctx, userID)
	if err != nil {
		a.logger.Error().Err(err).Str("user", userID).Msg("recompute alerts")
		return
	}
	a.alerts.Publish(userID, version, alerts)
}

func (a *Aggregator) compute(ctx context.Context, userID string) (*models.Alerts, error) {
	counts, err := utils.ReadWithRetry(ctx, func() (map[string]int, error) {
		return a.store.UnreadCounts(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	notes, err := utils.ReadWithRetry(ctx, func() (int, error) {
		return a.store.CountUnreadNotifications(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	alerts := &models.Alerts{UserID: userID, UnreadByRoom: counts, NewNotifications: notes}
	alerts.Total()
	return alerts, nil
}

// Alerts returns the user's badge state, from cache when possible.
func (a *Aggregator) Alerts(ctx context.Context, userID string) (*models.Alerts, error) {
	cached, ok, err := a.cache.Get(ctx, userID)
	switch {
	case err != nil:
		metrics.AlertCacheLookups.WithLabelValues("error").Inc()
		a.logger.Warn().Err(err).Str("user", userID).Msg("alert cache get")
	case ok:
		metrics.AlertCacheLookups.WithLabelValues("hit").Inc()
		return cached, nil
	default:
		metrics.AlertCacheLookups.WithLabelValues("miss").Inc()
	}

	gen := a.generation(userID)
	alerts, err := a.compute(ctx, userID)
	if err != nil {
		return nil, err
	}
	if a.generation(userID) == gen {
		if err := a.cache.Set(ctx, alerts); err != nil {
			a.logger.Warn().Err(err).Str("user", userID).Msg("alert cache set")
		}
	}
	return alerts, nil
}

// UnreadCount sums unread messages over every room the user belongs to,
// excluding the user's own messages.
func (a *Aggregator) UnreadCount(ctx context.Context, userID string) (int, error) {
	alerts, err := a.Alerts(ctx, userID)
	if err != nil {
		return 0, err
	}
	return alerts.UnreadMessages, nil
}

// SubscribeAlerts pushes the user's badge state now and after every change.
func (a *Aggregator) SubscribeAlerts(ctx context.Context, userID string, handler func(*models.Alerts)) (*hub.Subscription, error) {
	return a.alerts.Subscribe(ctx, userID, userID, handler, func(ctx context.Context) (*models.Alerts, error) {
		return a.Alerts(ctx, userID)
	})
}

// MarkAllRead clears the badge immediately, then moves every room's read
// marker. If any write fails the badge is recomputed from the store, so it
// errs toward still showing unread rather than silently dropping it.
func (a *Aggregator) MarkAllRead(ctx context.Context, userID string) (*models.Alerts, error) {
	rooms, err := utils.ReadWithRetry(ctx, func() ([]*models.Room, error) {
		return a.store.ListUserRooms(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	before, err := a.Alerts(ctx, userID)
	if err != nil {
		return nil, err
	}

	cleared := &models.Alerts{
		UserID:           userID,
		UnreadByRoom:     make(map[string]int, len(rooms)),
		NewNotifications: before.NewNotifications,
	}
	for _, r := range rooms {
		cleared.UnreadByRoom[r.ID] = 0
	}
	cleared.Total()
	a.alerts.Publish(userID, a.alerts.Version(), cleared)

	now := a.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, r := range rooms {
		if before.UnreadByRoom[r.ID] == 0 {
			continue
		}
		r := r
		at := now
		if r.LastActivity.After(at) {
			at = r.LastActivity
		}
		g.Go(func() error {
			_, err := a.store.SetReadMarker(gctx, r.ID, userID, at)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		a.reconcile(ctx, userID, before)
		return nil, fmt.Errorf("mark all read: %w", err)
	}

	// Messages may have landed while the markers were written, so the
	// cleared value is never cached: the next read recomputes from the store.
	a.bump(userID)
	if err := a.cache.Delete(ctx, userID); err != nil {
		a.logger.Warn().Err(err).Str("user", userID).Msg("alert cache delete")
	}
	return cleared, nil
}

// reconcile restores a truthful badge after a partial MarkAllRead. When the
// store cannot be read either, the pre-call state is pushed back.
func (a *Aggregator) reconcile(ctx context.Context, userID string, before *models.Alerts) {
	a.bump(userID)
	_ = a.cache.Delete(ctx, userID)
	version := a.alerts.Version()
	fresh, err := a.compute(ctx, userID)
	if err != nil {
		a.logger.Error().Err(err).Str("user", userID).Msg("reconcile alerts")
		fresh = before
	}
	a.alerts.Publish(userID, version, fresh)
}

// Notifications lists membership and role alerts, newest first.
func (a *Aggregator) Notifications(ctx context.Context, userID string, limit int) ([]*models.Notification, error) {
	return utils.ReadWithRetry(ctx, func() ([]*models.Notification, error) {
		return a.store.ListNotifications(ctx, userID, limit)
	})
}

// MarkNotificationsRead clears the "new" flag for all of userID's alerts.
func (a *Aggregator) MarkNotificationsRead(ctx context.Context, userID string) (int, error) {
	return a.store.MarkNotificationsRead(ctx, userID)
}
