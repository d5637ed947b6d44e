package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
)

type storageFactory func(t *testing.T) Storage

func storageBackends() map[string]storageFactory {
	return map[string]storageFactory{
		"fs": func(t *testing.T) Storage {
			return newTestStorage(t)
		},
		"memory": func(t *testing.T) Storage {
			return NewMemoryStorage()
		},
		"redis": newRedisTestStorage,
	}
}

func TestStoragePutAndMatch(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := factory(t)
			c, err := storage.Open(ctx, "pulson-v1")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}

			resp := testResponse("body-v1")
			if err := c.Put(ctx, "http://app.local/a.css", resp); err != nil {
				t.Fatalf("put error: %v", err)
			}

			got, err := c.Match(ctx, "http://app.local/a.css")
			if err != nil {
				t.Fatalf("match error: %v", err)
			}
			if string(got.Body) != "body-v1" {
				t.Fatalf("cached payload mismatch: %s", string(got.Body))
			}
			if got.Status != http.StatusOK || got.Type != ResponseTypeBasic {
				t.Fatalf("unexpected status/type: %d %s", got.Status, got.Type)
			}
			if got.Header.Get("Content-Type") != "text/css" {
				t.Fatalf("header not preserved: %v", got.Header)
			}

			if _, err := c.Match(ctx, "http://app.local/missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStorageMatchSearchesAllCachesInOrder(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := factory(t)
			first, _ := storage.Open(ctx, "first")
			second, _ := storage.Open(ctx, "second")

			if err := second.Put(ctx, "k", testResponse("second")); err != nil {
				t.Fatalf("put error: %v", err)
			}
			got, err := storage.Match(ctx, "k")
			if err != nil || string(got.Body) != "second" {
				t.Fatalf("expected match from second cache, got %v %v", got, err)
			}

			if err := first.Put(ctx, "k", testResponse("first")); err != nil {
				t.Fatalf("put error: %v", err)
			}
			got, err = storage.Match(ctx, "k")
			if err != nil || string(got.Body) != "first" {
				t.Fatalf("earlier cache should win, got %v %v", got, err)
			}

			if _, err := storage.Match(ctx, "absent"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStorageKeysAndDelete(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := factory(t)
			for _, n := range []string{"v1", "runtime", "v2"} {
				if _, err := storage.Open(ctx, n); err != nil {
					t.Fatalf("open %s: %v", n, err)
				}
			}
			// 重复 Open 不应产生新的缓存代
			if _, err := storage.Open(ctx, "v1"); err != nil {
				t.Fatalf("reopen: %v", err)
			}

			names, err := storage.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			if !reflect.DeepEqual(names, []string{"v1", "runtime", "v2"}) {
				t.Fatalf("unexpected cache names: %v", names)
			}

			deleted, err := storage.Delete(ctx, "v1")
			if err != nil || !deleted {
				t.Fatalf("expected delete ok, got %v %v", deleted, err)
			}
			deleted, err = storage.Delete(ctx, "v1")
			if err != nil || deleted {
				t.Fatalf("second delete should report false, got %v %v", deleted, err)
			}
			if ok, _ := storage.Has(ctx, "v1"); ok {
				t.Fatalf("v1 should be gone")
			}
			if ok, _ := storage.Has(ctx, "v2"); !ok {
				t.Fatalf("v2 should remain")
			}
		})
	}
}

func TestCacheKeysKeepInsertionOrder(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, _ := factory(t).Open(ctx, "v1")
			entries := []Entry{
				{Key: "/", Response: testResponse("root")},
				{Key: "/a.css", Response: testResponse("a")},
				{Key: "/b.js", Response: testResponse("b")},
			}
			if err := c.PutAll(ctx, entries); err != nil {
				t.Fatalf("putall error: %v", err)
			}
			if err := c.Put(ctx, "/", testResponse("root-v2")); err != nil {
				t.Fatalf("overwrite error: %v", err)
			}

			keys, err := c.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			if !reflect.DeepEqual(keys, []string{"/", "/a.css", "/b.js"}) {
				t.Fatalf("unexpected key order: %v", keys)
			}
			got, _ := c.Match(ctx, "/")
			if string(got.Body) != "root-v2" {
				t.Fatalf("overwrite should win, got %s", string(got.Body))
			}

			deleted, err := c.Delete(ctx, "/a.css")
			if err != nil || !deleted {
				t.Fatalf("delete entry: %v %v", deleted, err)
			}
			keys, _ = c.Keys(ctx)
			if !reflect.DeepEqual(keys, []string{"/", "/b.js"}) {
				t.Fatalf("unexpected keys after delete: %v", keys)
			}
		})
	}
}

func TestPutAllRejectsNilResponse(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, _ := factory(t).Open(ctx, "v1")
			err := c.PutAll(ctx, []Entry{
				{Key: "/ok", Response: testResponse("ok")},
				{Key: "/nil"},
			})
			if !errors.Is(err, ErrNilResponse) {
				t.Fatalf("expected ErrNilResponse, got %v", err)
			}
			if _, err := c.Match(ctx, "/ok"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("batch must not be partially visible, got %v", err)
			}
		})
	}
}

func TestConcurrentOverwriteNeverTearsEntries(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := factory(t).Open(ctx, "runtime")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			versions := []string{"a", "bbbbbbbb"}
			put := func(v string) error {
				resp := testResponse(v)
				resp.Header.Set("X-V", v)
				return c.Put(ctx, "k", resp)
			}
			if err := put(versions[0]); err != nil {
				t.Fatalf("put error: %v", err)
			}

			stop := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; ; i++ {
					select {
					case <-stop:
						return
					default:
					}
					if err := put(versions[i%2]); err != nil {
						t.Errorf("put error: %v", err)
						return
					}
				}
			}()

			torn := 0
			for i := 0; i < 2000; i++ {
				got, err := c.Match(ctx, "k")
				if err != nil {
					close(stop)
					wg.Wait()
					t.Fatalf("match error during overwrite: %v", err)
				}
				if got.Header.Get("X-V") != string(got.Body) {
					torn++
				}
			}
			close(stop)
			wg.Wait()
			if torn > 0 {
				t.Fatalf("observed %d reads mixing header and body from different writes", torn)
			}
		})
	}
}

func TestFileCachePutAllRestoresPriorEntriesOnFailure(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)
	c, _ := storage.Open(ctx, "runtime")
	if err := c.Put(ctx, "/a", testResponse("old-a")); err != nil {
		t.Fatalf("put error: %v", err)
	}

	failing := c.(*fileCache).entryPath("/b")
	rename = func(from, to string) error {
		if to == failing {
			return errors.New("disk full")
		}
		return os.Rename(from, to)
	}
	t.Cleanup(func() { rename = os.Rename })

	err := c.PutAll(ctx, []Entry{
		{Key: "/a", Response: testResponse("new-a")},
		{Key: "/b", Response: testResponse("b")},
	})
	if err == nil {
		t.Fatalf("expected rename failure")
	}

	got, err := c.Match(ctx, "/a")
	if err != nil || string(got.Body) != "old-a" {
		t.Fatalf("prior entry should be restored, got %v %v", got, err)
	}
	if _, err := c.Match(ctx, "/b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed entry must not be visible, got %v", err)
	}
	leftovers, _ := os.ReadDir(c.(*fileCache).dir)
	for _, f := range leftovers {
		if !strings.HasSuffix(f.Name(), entrySuffix) {
			t.Fatalf("unexpected leftover file %s", f.Name())
		}
	}
	if len(leftovers) != 1 {
		t.Fatalf("expected only the restored entry, got %d files", len(leftovers))
	}
}

func TestFileCachePutAfterDeleteReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)
	c, _ := storage.Open(ctx, "old")
	if _, err := storage.Delete(ctx, "old"); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if err := c.Put(ctx, "/", testResponse("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for deleted generation, got %v", err)
	}
	if _, err := os.Stat(c.(*fileCache).dir); !os.IsNotExist(err) {
		t.Fatalf("deleted generation dir must not be recreated, got %v", err)
	}
}

func TestFileStoragePersistsIndex(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	storage, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	c, _ := storage.Open(ctx, "pulson-v1")
	if err := c.Put(ctx, "/", testResponse("shell")); err != nil {
		t.Fatalf("put error: %v", err)
	}

	reopened, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	names, _ := reopened.Keys(ctx)
	if !reflect.DeepEqual(names, []string{"pulson-v1"}) {
		t.Fatalf("index not persisted: %v", names)
	}
	got, err := reopened.Match(ctx, "/")
	if err != nil || string(got.Body) != "shell" {
		t.Fatalf("entry not persisted: %v %v", got, err)
	}
}

func TestFileStorageDeleteRemovesDirectory(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	storage, _ := NewFileStorage(dir)
	c, _ := storage.Open(ctx, "old")
	_ = c.Put(ctx, "/", testResponse("x"))

	fc, ok := c.(*fileCache)
	if !ok {
		t.Fatalf("unexpected cache type %T", c)
	}
	if _, err := storage.Delete(ctx, "old"); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if _, err := os.Stat(fc.dir); !os.IsNotExist(err) {
		t.Fatalf("expected cache dir removed, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, indexFileName)); err != nil {
		t.Fatalf("index should remain: %v", err)
	}
}

func TestResponseCloneIsIndependent(t *testing.T) {
	original := testResponse("abc")
	cloned := original.Clone()
	cloned.Body[0] = 'z'
	cloned.Header.Set("Content-Type", "text/plain")
	if string(original.Body) != "abc" {
		t.Fatalf("clone shares body")
	}
	if original.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("clone shares header")
	}
}

func TestKeyStripsFragment(t *testing.T) {
	if got := Key("http://app.local/page?x=1#section"); got != "http://app.local/page?x=1" {
		t.Fatalf("unexpected key: %s", got)
	}
}

func testResponse(body string) *Response {
	header := http.Header{}
	header.Set("Content-Type", "text/css")
	return &Response{
		Status:     http.StatusOK,
		StatusText: "OK",
		Header:     header,
		Body:       []byte(body),
		Type:       ResponseTypeBasic,
	}
}

// newTestStorage returns a Storage backed by a temporary directory.
func newTestStorage(t *testing.T) Storage {
	t.Helper()
	storage, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return storage
}
