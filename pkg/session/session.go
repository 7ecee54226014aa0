// Package session runs the classroom focus and lock state machine. A
// session configuration says who is in class, when, and what restrictions
// apply; the machine turns the currently running set into tab restrictions
// through an injected tab controller and schedules its own re-check at the
// next session end.
package session

import (
	"context"
	"strings"
	"time"

	"github.com/schoolnet-labs/warden/pkg/schedule"
)

// Config is one classroom session assignment for this device's user.
type Config struct {
	Name        string            `json:"name,omitempty"`
	Identity    string            `json:"identity"`
	Periods     []schedule.Period `json:"periods"`
	Timeout     int64             `json:"timeout"`
	ApplyFocus  bool              `json:"apply_focus"`
	FocusURLs   []string          `json:"focus_urls,omitempty"`
	LockedUsers []string          `json:"locked_users,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	ChatEnabled bool              `json:"chat_enabled,omitempty"`
	Monitoring  bool              `json:"monitoring,omitempty"`
}

// IsRunning reports whether the session is live right now.
func (c Config) IsRunning(now time.Time) bool {
	return schedule.IsRunning(c.Periods, c.Timeout, now)
}

// ShouldFocus reports whether a running session demands focus mode.
func (c Config) ShouldFocus() bool { return c.ApplyFocus }

// ShouldLock reports whether a running session locks this user's browsing.
// Lock needs a lock page to send the user to.
func (c Config) ShouldLock(lockURL string) bool {
	if lockURL == "" {
		return false
	}
	for _, u := range c.LockedUsers {
		if u == c.Identity {
			return true
		}
	}
	return false
}

// Tab is the machine's view of one open browser tab.
type Tab struct {
	ID         int
	URL        string
	PendingURL string
	Title      string
	FavIconURL string
	Active     bool
}

// TabController is the device-side surface the machine drives. The real
// implementation lives in the browser integration layer.
type TabController interface {
	QueryTabs(ctx context.Context) ([]Tab, error)
	CreateTab(ctx context.Context, url string) error
	CloseTab(ctx context.Context, id int) error
	UpdateTab(ctx context.Context, id int, url string) error
	// SetNewTabBlocking toggles removal of newly created tabs while focus
	// or lock is active.
	SetNewTabBlocking(ctx context.Context, blocked bool) error
	// SetNavigationLock toggles the redirect-everything-to-the-lock-page
	// navigation guard.
	SetNavigationLock(ctx context.Context, locked bool) error
}

// ViolationChecker decides whether an open tab violates the classroom
// policy that just came into force.
type ViolationChecker interface {
	ShouldCloseTab(ctx context.Context, rawURL string) bool
}

// NavigationRedirect decides where a navigation attempt goes while lock is
// active. Pages on the admin domain, the agent's own origin, and the lock
// page itself stay reachable; everything else lands on the lock page.
func NavigationRedirect(rawURL, adminDomain, ownOrigin, lockURL string) (string, bool) {
	if strings.Contains(rawURL, adminDomain) {
		return "", false
	}
	if ownOrigin != "" && strings.HasPrefix(rawURL, ownOrigin) {
		return "", false
	}
	if lockURL != "" && strings.HasPrefix(rawURL, lockURL) {
		return "", false
	}
	return lockURL, true
}
