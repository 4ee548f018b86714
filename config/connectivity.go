package config

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectivityMonitor tracks whether the remote execution service is
// reachable. The sync queue consults it before every flush, and callbacks
// registered with OnBecameOnline fire when a probe succeeds after a failure
// (the "became online" trigger for a forced flush).
//
// With no probe URL configured the monitor stays in whatever state it was
// given via SetOnline, which is also how tests drive it.
type ConnectivityMonitor struct {
	online    atomic.Bool
	mu        sync.Mutex
	callbacks []func()
}

func NewConnectivityMonitor(initialOnline bool) *ConnectivityMonitor {
	m := &ConnectivityMonitor{}
	m.online.Store(initialOnline)
	return m
}

// IsOnline reports reachability. Forced offline mode always wins.
func (m *ConnectivityMonitor) IsOnline() bool {
	if ForcedOfflineMode() {
		return false
	}
	return m.online.Load()
}

// SetOnline transitions the state. An offline->online transition fires the
// registered callbacks, each on its own goroutine so a slow flush cannot
// stall the probe loop.
func (m *ConnectivityMonitor) SetOnline(online bool) {
	was := m.online.Swap(online)
	if !was && online && !ForcedOfflineMode() {
		m.mu.Lock()
		cbs := make([]func(), len(m.callbacks))
		copy(cbs, m.callbacks)
		m.mu.Unlock()
		for _, cb := range cbs {
			go cb()
		}
	}
}

func (m *ConnectivityMonitor) OnBecameOnline(cb func()) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// RunProbeLoop polls CONNECTIVITY_PROBE_URL until ctx is done. Any 2xx/3xx/4xx
// response counts as reachable; only transport errors and 5xx mean offline.
// Interval comes from CONNECTIVITY_PROBE_SECONDS (default 10).
func (m *ConnectivityMonitor) RunProbeLoop(ctx context.Context) {
	probeURL := strings.TrimSpace(os.Getenv("CONNECTIVITY_PROBE_URL"))
	if probeURL == "" {
		return
	}
	interval := time.Duration(intFromEnv("CONNECTIVITY_PROBE_SECONDS", 10)) * time.Second
	client := &http.Client{Timeout: 5 * time.Second}

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
		if err != nil {
			m.SetOnline(false)
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			m.SetOnline(false)
			continue
		}
		resp.Body.Close()
		m.SetOnline(resp.StatusCode < 500)
	}
}
