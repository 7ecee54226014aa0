package session

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/schoolnet-labs/warden/pkg/clock"
	"github.com/schoolnet-labs/warden/pkg/config"
	"github.com/schoolnet-labs/warden/pkg/schedule"
)

// wakeMargin pushes the scheduled re-check just past the session end so
// the ending session is no longer running when the check evaluates it.
const wakeMargin = time.Second

// Machine owns the device-level focus and lock state. One mutex covers any
// transition, including timer replacement.
type Machine struct {
	mu       sync.Mutex
	clock    clock.Clock
	tabs     TabController
	settings *config.Settings
	checker  ViolationChecker
	logger   *slog.Logger

	configs      []Config
	running      []Config
	focusActive  bool
	lockActive   bool
	previousTabs []string
	wakeTimer    *time.Timer
	wakeAt       time.Time
}

func NewMachine(c clock.Clock, tabs TabController, settings *config.Settings, checker ViolationChecker) *Machine {
	return &Machine{
		clock:    c,
		tabs:     tabs,
		settings: settings,
		checker:  checker,
		logger:   slog.Default().With("component", "session"),
	}
}

// now returns the current instant in the device timezone.
func (m *Machine) now() time.Time {
	t := m.clock.Now()
	if tz := m.settings.Timezone(); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return t.In(loc)
		}
	}
	return t
}

// Refresh replaces the configuration set and applies whatever the running
// subset demands right now.
func (m *Machine) Refresh(ctx context.Context, configs []Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.configs = configs

	if !m.settings.IsClassroomEnabled() {
		m.logger.Info("classroom disabled, stopping lock and focus if active")
		m.running = nil
		m.stopLock(ctx, false)
		m.stopFocus(ctx, false)
		return
	}

	now := m.now()
	m.running = nil
	for _, c := range configs {
		if c.IsRunning(now) {
			m.running = append(m.running, c)
		}
	}

	if len(m.running) == 0 {
		m.logger.Info("no running sessions, stopping lock and focus if active")
		m.stopLock(ctx, false)
		m.stopFocus(ctx, false)
		return
	}

	m.scheduleWake(now)
	m.applyRunning(ctx, now)
}

// applyRunning drives focus and lock from the running set, then deactivates
// whichever of the two no session demanded. Caller holds the mutex.
func (m *Machine) applyRunning(ctx context.Context, now time.Time) {
	var focusApplied, lockApplied bool
	lockURL := m.settings.LockURL()
	for _, c := range m.running {
		if c.ShouldFocus() {
			m.startFocus(ctx, c.FocusURLs)
			focusApplied = true
		}
		if c.ShouldLock(lockURL) {
			m.startLock(ctx)
			lockApplied = true
		}
	}
	m.maybeDeactivate(ctx, focusApplied, lockApplied)
}

// maybeDeactivate stops focus and/or lock when no running session applied
// it. The matrix is asymmetric: when one mode survives, the other is
// stopped without releasing the shared tab restrictions.
func (m *Machine) maybeDeactivate(ctx context.Context, focusApplied, lockApplied bool) {
	switch {
	case !focusApplied && !lockApplied:
		m.stopLock(ctx, false)
		m.stopFocus(ctx, false)
	case focusApplied && !lockApplied:
		m.stopLock(ctx, true)
	case lockApplied && !focusApplied:
		m.stopFocus(ctx, true)
	}
}

func (m *Machine) startFocus(ctx context.Context, focusURLs []string) {
	if m.focusActive {
		m.updateFocus(ctx, focusURLs)
		return
	}
	m.logger.Info("starting focus")
	m.addTabs(ctx, focusURLs)
	m.restrictTabs(ctx, focusURLs)
	m.setNewTabBlocking(ctx, true)
	m.focusActive = true
}

// updateFocus reopens the allowed set without snapshotting or restoring,
// so a focus-urls change mid-session doesn't churn unrelated state.
func (m *Machine) updateFocus(ctx context.Context, focusURLs []string) {
	m.logger.Info("updating focus with latest focus urls")
	m.setNewTabBlocking(ctx, false)
	m.addTabs(ctx, focusURLs)
	m.setNewTabBlocking(ctx, true)
}

func (m *Machine) stopFocus(ctx context.Context, lockStillActive bool) {
	if !m.focusActive {
		return
	}
	m.logger.Info("stopping focus")
	if !lockStillActive {
		m.setNewTabBlocking(ctx, false)
		m.restoreTabs(ctx)
	}
	m.focusActive = false
}

func (m *Machine) startLock(ctx context.Context) {
	if m.lockActive {
		return
	}
	m.logger.Info("starting lock")
	lockURL := m.settings.LockURL()
	m.addTabs(ctx, []string{lockURL})
	m.restrictTabs(ctx, []string{lockURL})
	m.setNewTabBlocking(ctx, true)
	m.setNavigationLock(ctx, true)
	m.lockActive = true
}

func (m *Machine) stopLock(ctx context.Context, focusStillActive bool) {
	if !m.lockActive {
		return
	}
	m.logger.Info("stopping lock")
	m.setNavigationLock(ctx, false)
	if !focusStillActive {
		m.cleanupTabs(ctx, []string{m.settings.LockURL()})
		m.setNewTabBlocking(ctx, false)
		m.restoreTabs(ctx)
	}
	m.lockActive = false
}

// restrictTabs closes every open tab not covered by the allowed set,
// snapshotting their URLs for restore. The chat window is exempt so a
// student can keep talking to the teacher.
func (m *Machine) restrictTabs(ctx context.Context, allowed []string) {
	tabs, err := m.tabs.QueryTabs(ctx)
	if err != nil {
		m.logger.Error("tab query failed", "error", err)
		return
	}
	chatURL := m.settings.ChatWindowURL()

tabLoop:
	for _, tab := range tabs {
		for _, u := range allowed {
			if strings.Contains(tab.URL, u) ||
				(tab.PendingURL != "" && strings.Contains(tab.PendingURL, u)) ||
				(chatURL != "" && tab.URL == chatURL) {
				continue tabLoop
			}
		}
		m.previousTabs = append(m.previousTabs, tab.URL)
		if err := m.tabs.CloseTab(ctx, tab.ID); err != nil {
			m.logger.Error("tab close failed", "tab", tab.ID, "error", err)
		}
	}
}

// addTabs opens each URL that no current tab already shows.
func (m *Machine) addTabs(ctx context.Context, urls []string) {
	tabs, err := m.tabs.QueryTabs(ctx)
	if err != nil {
		m.logger.Error("tab query failed", "error", err)
		return
	}

urlLoop:
	for _, u := range urls {
		for _, tab := range tabs {
			if strings.Contains(tab.URL, u) {
				continue urlLoop
			}
		}
		target := u
		if !strings.HasPrefix(u, "http") {
			target = "http://" + u
		}
		if err := m.tabs.CreateTab(ctx, target); err != nil {
			m.logger.Error("tab create failed", "url", target, "error", err)
		}
	}
}

func (m *Machine) restoreTabs(ctx context.Context) {
	for _, u := range m.previousTabs {
		if err := m.tabs.CreateTab(ctx, u); err != nil {
			m.logger.Error("tab restore failed", "url", u, "error", err)
		}
	}
	m.previousTabs = nil
}

func (m *Machine) cleanupTabs(ctx context.Context, unwanted []string) {
	tabs, err := m.tabs.QueryTabs(ctx)
	if err != nil {
		m.logger.Error("tab query failed", "error", err)
		return
	}
	for _, tab := range tabs {
		for _, u := range unwanted {
			if strings.Contains(tab.URL, u) {
				if err := m.tabs.CloseTab(ctx, tab.ID); err != nil {
					m.logger.Error("tab close failed", "tab", tab.ID, "error", err)
				}
			}
		}
	}
}

func (m *Machine) setNewTabBlocking(ctx context.Context, blocked bool) {
	if err := m.tabs.SetNewTabBlocking(ctx, blocked); err != nil {
		m.logger.Error("toggling new-tab blocking failed", "blocked", blocked, "error", err)
	}
}

func (m *Machine) setNavigationLock(ctx context.Context, locked bool) {
	if err := m.tabs.SetNavigationLock(ctx, locked); err != nil {
		m.logger.Error("toggling navigation lock failed", "locked", locked, "error", err)
	}
}

// scheduleWake arms the re-check timer for the soonest running-session
// expiry. Caller holds the mutex.
func (m *Machine) scheduleWake(now time.Time) {
	expiries := make([]time.Time, 0, len(m.running))
	for _, c := range m.running {
		if expiry, ok := resolveExpiry(c, now); ok {
			expiries = append(expiries, expiry)
		}
	}
	if len(expiries) == 0 {
		return
	}
	sort.Slice(expiries, func(i, j int) bool { return expiries[i].Before(expiries[j]) })

	wakeAt := expiries[0].Add(wakeMargin)
	m.logger.Info("scheduling focus/lock deactivation check", "at", wakeAt)
	if m.wakeTimer != nil {
		m.wakeTimer.Stop()
	}
	m.wakeAt = wakeAt
	m.wakeTimer = time.AfterFunc(wakeAt.Sub(now), m.wake)
}

// resolveExpiry finds when one running session stops demanding anything. A
// stale timeout is treated as unset. A timeout landing inside a today
// period stretches to that period's end; otherwise the timeout stands
// alone; with no timeout the active period's end is used.
func resolveExpiry(c Config, now time.Time) (time.Time, bool) {
	timeout := c.Timeout
	if timeout != 0 && time.Unix(timeout, 0).Before(now) {
		timeout = 0
	}
	var timeoutAt time.Time
	if timeout != 0 {
		timeoutAt = time.Unix(timeout, 0).In(now.Location())
	}

	today := schedule.Today(now)
	var todayPeriods []schedule.Period
	for _, p := range c.Periods {
		if p.Day != today {
			continue
		}
		if timeout != 0 && schedule.At(now, p.EndTime).Before(timeoutAt) {
			continue
		}
		todayPeriods = append(todayPeriods, p)
	}

	if timeout != 0 {
		for _, p := range todayPeriods {
			start := schedule.At(now, p.StartTime)
			end := schedule.At(now, p.EndTime)
			if !timeoutAt.Before(start) && !timeoutAt.After(end) {
				return end, true
			}
		}
		return timeoutAt, true
	}

	if active, ok := schedule.ActivePeriod(todayPeriods, now); ok {
		return schedule.At(now, active.EndTime), true
	}
	return time.Time{}, false
}

// wake re-derives focus and lock demand from whichever sessions are still
// running when the timer fires.
func (m *Machine) wake() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx := context.Background()
	now := m.now()
	lockURL := m.settings.LockURL()

	var focusDemand, lockDemand bool
	for _, c := range m.running {
		if !c.IsRunning(now) {
			continue
		}
		if c.ShouldFocus() {
			focusDemand = true
		}
		if c.ShouldLock(lockURL) {
			lockDemand = true
		}
	}
	m.maybeDeactivate(ctx, focusDemand, lockDemand)
}

// Stop cancels the pending wake-up.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wakeTimer != nil {
		m.wakeTimer.Stop()
		m.wakeTimer = nil
	}
}

// FocusActive reports whether focus mode is currently on.
func (m *Machine) FocusActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.focusActive
}

// LockActive reports whether lock mode is currently on.
func (m *Machine) LockActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockActive
}

// NextWake returns the scheduled re-check instant, if one is armed.
func (m *Machine) NextWake() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wakeAt, m.wakeTimer != nil
}

// CheckTabsForViolations asks the classroom endpoint about every open tab
// and closes the ones that now violate policy.
func (m *Machine) CheckTabsForViolations(ctx context.Context) {
	if m.checker == nil {
		return
	}
	tabs, err := m.tabs.QueryTabs(ctx)
	if err != nil {
		m.logger.Error("tab query failed", "error", err)
		return
	}

	for _, tab := range tabs {
		if tab.URL == "" || strings.HasPrefix(tab.URL, "chrome") {
			continue
		}
		if !m.checker.ShouldCloseTab(ctx, tab.URL) {
			continue
		}
		m.logger.Info("tab matches a blocked rule, closing", "tab", tab.ID)
		m.closeViolatingTab(ctx, tab, tabs)
	}
}

// closeViolatingTab closes one tab, sending the user to the closed-tab
// page when nothing presentable would remain.
func (m *Machine) closeViolatingTab(ctx context.Context, target Tab, all []Tab) {
	closedTabURL := m.settings.ClosedTabURL()

	if len(all) == 1 && closedTabURL != "" {
		if err := m.tabs.UpdateTab(ctx, target.ID, closedTabURL); err != nil {
			m.logger.Error("tab redirect failed", "tab", target.ID, "error", err)
		}
		return
	}

	remainderPresentable := false
	for _, tab := range all {
		if tab.ID == target.ID || tab.URL == "" || strings.HasPrefix(tab.URL, "chrome") {
			continue
		}
		remainderPresentable = true
		break
	}
	if !remainderPresentable && closedTabURL != "" {
		if err := m.tabs.CreateTab(ctx, closedTabURL); err != nil {
			m.logger.Error("tab create failed", "url", closedTabURL, "error", err)
		}
	}
	if err := m.tabs.CloseTab(ctx, target.ID); err != nil {
		m.logger.Error("tab close failed", "tab", target.ID, "error", err)
	}
}
