package netmon

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// Probe reports raw connectivity. Implementations may be noisy.
type Probe interface {
	Check(ctx context.Context) bool
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) bool

// Check calls f.
func (f ProbeFunc) Check(ctx context.Context) bool {
	return f(ctx)
}

// DialProbe considers the network up when a TCP connection to Addr succeeds.
type DialProbe struct {
	Addr    string
	Timeout time.Duration
}

// Check dials Addr and closes the connection immediately.
func (p *DialProbe) Check(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// StaticProbe returns a settable value. Used for tests and when no probe
// address is configured.
type StaticProbe struct {
	up atomic.Bool
}

// NewStaticProbe returns a probe reporting the given state.
func NewStaticProbe(online bool) *StaticProbe {
	p := &StaticProbe{}
	p.up.Store(online)
	return p
}

// Set changes the reported value.
func (p *StaticProbe) Set(online bool) {
	p.up.Store(online)
}

// Check returns the current value.
func (p *StaticProbe) Check(context.Context) bool {
	return p.up.Load()
}
