//go:build !production

package netmon

// SetForcedState overrides the reported state. While forced is non-nil every
// caller and subscriber sees *forced regardless of the probe; nil returns to
// the debounced signal. Changes take effect immediately and notify
// subscribers when the visible state flips.
//
// Not available in production builds.
func (m *Monitor) SetForcedState(forced *bool) {
	m.mu.Lock()
	before := m.effectiveLocked()
	if forced == nil {
		m.forced = nil
	} else {
		v := *forced
		m.forced = &v
	}
	after := m.effectiveLocked()
	subs := m.snapshotLocked()
	m.mu.Unlock()

	if forced == nil {
		m.logger.Printf("Forced state cleared")
	} else {
		m.logger.Printf("Forced state: %s", stateName(*forced))
	}

	if before != after {
		m.notify(subs, after)
	}
}

// Forced returns the current override, or nil.
func (m *Monitor) Forced() *bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forced == nil {
		return nil
	}
	v := *m.forced
	return &v
}
