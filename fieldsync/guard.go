package fieldsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Guard decides whether a navigation target is safe to enter while offline:
// only routes recorded in the page cache during an online render are allowed.
type Guard struct {
	pages    *PageCache
	detector *Detector
	logger   *slog.Logger
}

// NewGuard creates a navigation guard over the page cache and connectivity
// detector.
func NewGuard(pages *PageCache, detector *Detector, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{pages: pages, detector: detector, logger: logger}
}

// IsAllowedOffline reports whether route has been cached and may be entered
// without connectivity.
func (g *Guard) IsAllowedOffline(ctx context.Context, route string) (bool, error) {
	return g.pages.Has(ctx, route)
}

// ShouldBlock reports whether navigating to targetRoute must be prevented.
// Always false while online.
func (g *Guard) ShouldBlock(ctx context.Context, targetRoute string) (bool, error) {
	if !g.detector.IsOffline() {
		return false, nil
	}
	allowed, err := g.IsAllowedOffline(ctx, targetRoute)
	if err != nil {
		return false, err
	}
	return !allowed, nil
}

// FallbackRoute returns where a blocked navigation should land: the technician
// dashboard when it is itself cached, otherwise the current route (stay put).
func (g *Guard) FallbackRoute(ctx context.Context, currentRoute string) string {
	cached, err := g.pages.Has(ctx, DashboardRoute)
	if err != nil {
		g.logger.Warn("fallback route lookup failed", "error", err)
		return currentRoute
	}
	if cached {
		return DashboardRoute
	}
	return currentRoute
}

// BlockedNavigation describes a navigation attempt the guard rejected.
type BlockedNavigation struct {
	Route    string
	Fallback string
	At       time.Time
}

// NavigateFunc performs the actual route change in the surrounding
// application (router push, template render, webview load).
type NavigateFunc func(route string) error

// Navigator is the single owned navigation entry point. Every navigation,
// whether a link click, back/forward, or programmatic, funnels through
// Navigate, which consults the guard before delegating, records online
// visits, and redirects blocked attempts to the fallback route instead of
// showing a broken page.
type Navigator struct {
	guard    *Guard
	pages    *PageCache
	detector *Detector
	delegate NavigateFunc
	logger   *slog.Logger

	onBlocked func(BlockedNavigation)

	mu      sync.Mutex
	current string
}

// NewNavigator wraps delegate with guard checks. onBlocked may be nil.
func NewNavigator(guard *Guard, delegate NavigateFunc, onBlocked func(BlockedNavigation)) *Navigator {
	return &Navigator{
		guard:     guard,
		pages:     guard.pages,
		detector:  guard.detector,
		delegate:  delegate,
		logger:    guard.logger,
		onBlocked: onBlocked,
	}
}

// Navigate moves to route, or to the guard's fallback when the target is not
// available offline. A blocked navigation is reported, not returned as an
// error; the caller always ends up on a renderable page.
func (n *Navigator) Navigate(ctx context.Context, route, title string) error {
	n.mu.Lock()
	current := n.current
	n.mu.Unlock()

	block, err := n.guard.ShouldBlock(ctx, route)
	if err != nil {
		return err
	}
	if block {
		fallback := n.guard.FallbackRoute(ctx, current)
		n.logger.Info("blocked offline navigation", "route", route, "fallback", fallback)
		if n.onBlocked != nil {
			n.onBlocked(BlockedNavigation{Route: route, Fallback: fallback, At: time.Now()})
		}
		if fallback == current {
			return nil // stay on the current page
		}
		if err := n.delegate(fallback); err != nil {
			return err
		}
		n.setCurrent(fallback)
		return nil
	}

	if err := n.delegate(route); err != nil {
		return err
	}
	n.setCurrent(route)

	// A successful online render makes this route offline-safe.
	if !n.detector.IsOffline() {
		if err := n.pages.RecordVisit(ctx, route, title); err != nil {
			n.logger.Warn("failed to record page visit", "route", route, "error", err)
		}
	}
	return nil
}

// Current returns the route the navigator last landed on.
func (n *Navigator) Current() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

func (n *Navigator) setCurrent(route string) {
	n.mu.Lock()
	n.current = route
	n.mu.Unlock()
}
