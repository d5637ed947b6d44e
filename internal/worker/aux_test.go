package worker

import (
	"context"
	"net/http"
	"net/url"
	"testing"
)

func TestPushShowsNotification(t *testing.T) {
	env := newTestEnv(t)
	reg, _ := activeRegistration(t, env, "v1", "/")

	if err := reg.DispatchPush(context.Background(), []byte("Server CPU at 95%")); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if err := reg.DispatchPush(context.Background(), nil); err != nil {
		t.Fatalf("empty push failed: %v", err)
	}

	env.notifier.mu.Lock()
	shown := append([]Notification(nil), env.notifier.shown...)
	env.notifier.mu.Unlock()
	if len(shown) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(shown))
	}
	first := shown[0]
	if first.Title != DefaultNotifyTitle || first.Body != "Server CPU at 95%" {
		t.Fatalf("unexpected notification: %+v", first)
	}
	if first.Icon != DefaultNotifyIcon || len(first.Vibrate) != 3 {
		t.Fatalf("unexpected presentation: %+v", first)
	}
	if len(first.Actions) != 2 || first.Actions[0].Action != ActionExplore || first.Actions[1].Action != ActionClose {
		t.Fatalf("unexpected actions: %+v", first.Actions)
	}
	if first.Data["primaryKey"] != "2" {
		t.Fatalf("unexpected data: %+v", first.Data)
	}
	if shown[1].Body != DefaultNotifyBody {
		t.Fatalf("expected default body, got %q", shown[1].Body)
	}
}

func TestPushWithoutNotifierFails(t *testing.T) {
	env := newTestEnv(t)
	scope, _ := url.Parse(testOrigin)
	w, err := New(Config{Scope: scope, PrecacheName: "v1", RuntimeCacheName: "runtime"}, Options{
		Storage: env.storage,
		Fetcher: env.fetcher,
		Logger:  env.logger,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	reg := env.registration(t)
	if err := reg.Install(context.Background(), "v1", w); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := reg.DispatchPush(context.Background(), []byte("x")); err == nil {
		t.Fatalf("expected push to fail without notifier")
	}
}

func TestNotificationClickRouting(t *testing.T) {
	cases := []struct {
		name       string
		action     string
		wantWindow bool
	}{
		{name: "explore", action: ActionExplore, wantWindow: true},
		{name: "body", action: "", wantWindow: true},
		{name: "close", action: ActionClose, wantWindow: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			reg, _ := activeRegistration(t, env, "v1", "/")

			err := reg.DispatchNotificationClick(context.Background(), Notification{ID: "n-7"}, tc.action)
			if err != nil {
				t.Fatalf("click failed: %v", err)
			}
			env.notifier.mu.Lock()
			closed := append([]string(nil), env.notifier.closed...)
			env.notifier.mu.Unlock()
			if len(closed) != 1 || closed[0] != "n-7" {
				t.Fatalf("notification must always be closed, got %v", closed)
			}
			env.clients.mu.Lock()
			windows := append([]string(nil), env.clients.windows...)
			env.clients.mu.Unlock()
			if tc.wantWindow {
				if len(windows) != 1 || windows[0] != testOrigin+"/" {
					t.Fatalf("expected root window opened, got %v", windows)
				}
			} else if len(windows) != 0 {
				t.Fatalf("close must not open a window, got %v", windows)
			}
		})
	}
}

func TestSyncResolves(t *testing.T) {
	env := newTestEnv(t)
	reg, _ := activeRegistration(t, env, "v1", "/")
	for _, tag := range []string{SyncTagBackground, "other"} {
		if err := reg.DispatchSync(context.Background(), tag); err != nil {
			t.Fatalf("sync %s failed: %v", tag, err)
		}
	}
}

func TestExtendableEventJoinsErrors(t *testing.T) {
	ev := newExtendableEvent(context.Background(), nil, nil)
	ev.WaitUntil(func(context.Context) error { return errOffline })
	ev.WaitUntil(func(context.Context) error { return nil })
	ev.WaitUntil(nil)
	if err := ev.Wait(); err == nil {
		t.Fatalf("expected joined error")
	}
}

func TestDetectDestination(t *testing.T) {
	cases := []struct {
		name   string
		method string
		header map[string]string
		want   Destination
	}{
		{name: "sec fetch dest", method: http.MethodGet, header: map[string]string{"Sec-Fetch-Dest": "style"}, want: DestinationStyle},
		{name: "sec fetch empty", method: http.MethodGet, header: map[string]string{"Sec-Fetch-Dest": "empty", "Accept": "text/html"}, want: DestinationEmpty},
		{name: "navigate mode", method: http.MethodGet, header: map[string]string{"Sec-Fetch-Mode": "navigate"}, want: DestinationDocument},
		{name: "accept html", method: http.MethodGet, header: map[string]string{"Accept": "text/html,application/xhtml+xml"}, want: DestinationDocument},
		{name: "post accept html", method: http.MethodPost, header: map[string]string{"Accept": "text/html"}, want: DestinationEmpty},
		{name: "plain", method: http.MethodGet, header: map[string]string{"Accept": "*/*"}, want: DestinationEmpty},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tc.header {
				h.Set(k, v)
			}
			if got := DetectDestination(tc.method, h); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSameOrigin(t *testing.T) {
	parse := func(raw string) *url.URL {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		return u
	}
	cases := []struct {
		a, b string
		want bool
	}{
		{"http://app.local/a", "http://app.local/b", true},
		{"http://app.local", "http://app.local:80", true},
		{"https://APP.local", "https://app.local:443/x", true},
		{"http://app.local", "https://app.local", false},
		{"http://app.local:8080", "http://app.local", false},
		{"http://cdn.local", "http://app.local", false},
	}
	for _, tc := range cases {
		if got := SameOrigin(parse(tc.a), parse(tc.b)); got != tc.want {
			t.Fatalf("SameOrigin(%s, %s) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestNewRequestRequiresAbsoluteURL(t *testing.T) {
	if _, err := NewRequest(http.MethodGet, "/relative", nil); err == nil {
		t.Fatalf("expected error for relative url")
	}
	req := mustRequest(t, "", testOrigin+"/page#section", nil)
	if req.Method != http.MethodGet {
		t.Fatalf("expected default GET, got %s", req.Method)
	}
	if req.Key() != testOrigin+"/page" {
		t.Fatalf("expected fragment stripped from key, got %s", req.Key())
	}
}
