package netmon

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"
)

const testSettle = 80 * time.Millisecond

func newTestMonitor(t *testing.T, initial bool) (*Monitor, *recorder) {
	t.Helper()

	cfg := &Config{
		SettleWindow: testSettle,
		PollInterval: 10 * time.Millisecond,
		Probe:        NewStaticProbe(initial),
		Logger:       log.New(io.Discard, "", 0),
	}
	m := New(context.Background(), cfg)

	rec := &recorder{}
	t.Cleanup(m.Subscribe(rec.add))
	return m, rec
}

type recorder struct {
	mu     sync.Mutex
	states []bool
}

func (r *recorder) add(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, online)
}

func (r *recorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}

func TestNew_InitialProbe(t *testing.T) {
	for _, initial := range []bool{true, false} {
		m, _ := newTestMonitor(t, initial)
		if m.IsOnline() != initial {
			t.Errorf("IsOnline() = %v, want %v", m.IsOnline(), initial)
		}
	}
}

func TestDebounce_Flap(t *testing.T) {
	m, rec := newTestMonitor(t, true)

	m.Observe(false)
	time.Sleep(testSettle / 4)
	m.Observe(true)

	time.Sleep(3 * testSettle)

	if got := rec.get(); len(got) != 0 {
		t.Errorf("flap produced callbacks: %v", got)
	}
	if !m.IsOnline() {
		t.Error("IsOnline() = false after flap")
	}
}

func TestDebounce_Stable(t *testing.T) {
	m, rec := newTestMonitor(t, false)

	m.Observe(true)
	if m.IsOnline() {
		t.Error("state flipped before settle window")
	}

	time.Sleep(3 * testSettle)

	got := rec.get()
	if len(got) != 1 || !got[0] {
		t.Fatalf("callbacks = %v, want [true]", got)
	}
	if !m.IsOnline() {
		t.Error("IsOnline() = false after settle")
	}

	// Repeated identical readings report nothing further.
	m.Observe(true)
	m.Observe(true)
	time.Sleep(2 * testSettle)
	if got := rec.get(); len(got) != 1 {
		t.Errorf("repeat readings produced callbacks: %v", got)
	}
}

func TestDebounce_RestartsOnFlap(t *testing.T) {
	m, rec := newTestMonitor(t, false)

	m.Observe(true)
	time.Sleep(testSettle / 2)
	m.Observe(false)
	m.Observe(true)
	time.Sleep(testSettle * 3 / 4)

	// Window restarted on the second rising edge, so still nothing at 1.25x.
	if got := rec.get(); len(got) != 0 {
		t.Errorf("callbacks before restarted window elapsed: %v", got)
	}

	time.Sleep(2 * testSettle)
	if got := rec.get(); len(got) != 1 {
		t.Errorf("callbacks = %v, want exactly one", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	m, _ := newTestMonitor(t, false)

	other := &recorder{}
	unsubscribe := m.Subscribe(other.add)
	unsubscribe()
	unsubscribe()

	m.Observe(true)
	time.Sleep(3 * testSettle)

	if got := other.get(); len(got) != 0 {
		t.Errorf("unsubscribed callback called: %v", got)
	}
}

func TestRun_PollsProbe(t *testing.T) {
	probe := NewStaticProbe(false)
	m := New(context.Background(), &Config{
		SettleWindow: testSettle,
		PollInterval: 10 * time.Millisecond,
		Probe:        probe,
		Logger:       log.New(io.Discard, "", 0),
	})

	changed := make(chan bool, 1)
	defer m.Subscribe(func(online bool) { changed <- online })()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	probe.Set(true)

	select {
	case online := <-changed:
		if !online {
			t.Error("expected online transition")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for transition")
	}
}

func TestDialProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	p := &DialProbe{Addr: addr, Timeout: time.Second}
	if !p.Check(context.Background()) {
		t.Error("Check() = false with listener up")
	}

	ln.Close()
	if p.Check(context.Background()) {
		t.Error("Check() = true with listener closed")
	}
}
