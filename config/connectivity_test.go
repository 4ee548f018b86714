package config_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/craftlinkhq/procure_backend/config"
)

func TestConnectivityMonitor_FiresOnOfflineToOnline(t *testing.T) {
	monitor := config.NewConnectivityMonitor(false)

	var fired atomic.Int64
	monitor.OnBecameOnline(func() { fired.Add(1) })

	monitor.SetOnline(true)

	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fired.Load() != 1 {
		t.Fatalf("callback fired %d times, want 1", fired.Load())
	}

	// Online -> online is not a transition.
	monitor.SetOnline(true)
	time.Sleep(20 * time.Millisecond)
	if fired.Load() != 1 {
		t.Fatalf("callback fired again without a transition: %d", fired.Load())
	}

	// A full offline/online cycle fires once more.
	monitor.SetOnline(false)
	monitor.SetOnline(true)
	deadline = time.Now().Add(time.Second)
	for fired.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fired.Load() != 2 {
		t.Fatalf("callback fired %d times, want 2", fired.Load())
	}
}

func TestConnectivityMonitor_ForcedOfflineWins(t *testing.T) {
	t.Setenv("FORCED_OFFLINE_MODE", "true")

	monitor := config.NewConnectivityMonitor(true)
	if monitor.IsOnline() {
		t.Fatal("forced offline mode must report offline regardless of probe state")
	}

	var fired atomic.Int64
	monitor.OnBecameOnline(func() { fired.Add(1) })
	monitor.SetOnline(false)
	monitor.SetOnline(true)
	time.Sleep(20 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("became-online callback fired while forced offline: %d", fired.Load())
	}
}
