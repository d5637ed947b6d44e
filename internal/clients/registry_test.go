package clients

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pulson/pulson-offline/internal/worker"
)

var _ worker.Clients = (*Registry)(nil)

func newTestRegistry(ttl time.Duration) *Registry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewRegistry(logger, ttl)
}

func TestTouchRegistersAndRefreshes(t *testing.T) {
	r := newTestRegistry(0)
	first := r.Touch("c1", "http://app.local/")
	if first.FirstSeen.IsZero() || first.Controller != "" {
		t.Fatalf("unexpected new client: %+v", first)
	}
	again := r.Touch("c1", "http://app.local/dashboard")
	if !again.FirstSeen.Equal(first.FirstSeen) {
		t.Fatalf("first seen must be preserved")
	}
	if again.URL != "http://app.local/dashboard" {
		t.Fatalf("expected url refreshed, got %s", again.URL)
	}
	if len(r.List()) != 1 {
		t.Fatalf("expected single client")
	}
}

func TestClaimControlsExistingAndFutureClients(t *testing.T) {
	r := newTestRegistry(0)
	r.Touch("c1", "http://app.local/")
	if err := r.Claim(context.Background(), "v2"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if c, _ := r.Get("c1"); c.Controller != "v2" {
		t.Fatalf("expected c1 controlled by v2, got %+v", c)
	}
	if c := r.Touch("c2", "http://app.local/x"); c.Controller != "v2" {
		t.Fatalf("new client should be controlled immediately, got %+v", c)
	}
	if r.Controller() != "v2" {
		t.Fatalf("unexpected controller %q", r.Controller())
	}
}

func TestOpenWindowFocusesMostRecentClient(t *testing.T) {
	r := newTestRegistry(0)
	r.Touch("c1", "http://app.local/a")
	time.Sleep(2 * time.Millisecond)
	r.Touch("c2", "http://app.local/b")
	if err := r.OpenWindow(context.Background(), "http://app.local/"); err != nil {
		t.Fatalf("open window: %v", err)
	}
	c2, _ := r.Get("c2")
	if !c2.Focused || c2.Navigate != "http://app.local/" {
		t.Fatalf("expected c2 focused and navigated, got %+v", c2)
	}
	if c1, _ := r.Get("c1"); c1.Focused {
		t.Fatalf("older client must not be focused")
	}
	windows := r.Windows()
	if len(windows) != 1 || windows[0].ClientID != "c2" {
		t.Fatalf("unexpected windows: %+v", windows)
	}
	if len(r.Windows()) != 0 {
		t.Fatalf("windows should be drained after read")
	}
}

func TestOpenWindowWithoutClients(t *testing.T) {
	r := newTestRegistry(0)
	if err := r.OpenWindow(context.Background(), "http://app.local/"); err != nil {
		t.Fatalf("open window: %v", err)
	}
	windows := r.Windows()
	if len(windows) != 1 || windows[0].ClientID != "" || windows[0].URL != "http://app.local/" {
		t.Fatalf("expected a new window request, got %+v", windows)
	}
}

func TestOpenWindowRejectsRelativeURL(t *testing.T) {
	r := newTestRegistry(0)
	if err := r.OpenWindow(context.Background(), "/"); err == nil {
		t.Fatalf("expected error for relative url")
	}
}

func TestListDropsExpiredClients(t *testing.T) {
	r := newTestRegistry(20 * time.Millisecond)
	r.Touch("c1", "http://app.local/")
	time.Sleep(40 * time.Millisecond)
	r.Touch("c2", "http://app.local/")
	list := r.List()
	if len(list) != 1 || list[0].ID != "c2" {
		t.Fatalf("expected only c2 alive, got %+v", list)
	}
}

func TestCanceledContext(t *testing.T) {
	r := newTestRegistry(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Claim(ctx, "v1"); err == nil {
		t.Fatalf("expected claim to honor canceled context")
	}
}
