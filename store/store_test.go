package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	pogrebStore, err := NewPogrebStore(filepath.Join(dir, "test.pogreb"))
	if err != nil {
		t.Fatalf("NewPogrebStore: %v", err)
	}
	t.Cleanup(func() { _ = pogrebStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"pogreb": pogrebStore,
	}
}

func TestStoreSetGetDelete(t *testing.T) {
	for name, s := range testStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			key := []byte("k1")
			if err := s.Set(key, []byte("v1")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			data, found := s.Get(key)
			if !found || string(data) != "v1" {
				t.Fatalf("Get after Set: data=%q found=%v", data, found)
			}

			s.Delete(key)
			if _, found := s.Get(key); found {
				t.Fatalf("Get after Delete: still found")
			}
		})
	}
}

func TestStoreExpiration(t *testing.T) {
	for name, s := range testStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			key := []byte("expiring")
			if err := s.SetExpire(key, []byte("v"), time.Now().Add(-time.Second)); err != nil {
				t.Fatalf("SetExpire: %v", err)
			}
			if _, found := s.Get(key); found {
				t.Fatalf("Get returned an already-expired entry")
			}
		})
	}
}

func TestStoreExpireKeysSweep(t *testing.T) {
	for name, s := range testStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			_ = s.SetExpire([]byte("a"), []byte("1"), time.Now().Add(-time.Minute))
			_ = s.SetExpire([]byte("b"), []byte("2"), time.Now().Add(time.Hour))

			s.ExpireKeys()

			if _, found := s.Get([]byte("a")); found {
				t.Fatalf("expired key 'a' survived ExpireKeys")
			}
			if _, found := s.Get([]byte("b")); !found {
				t.Fatalf("live key 'b' was evicted by ExpireKeys")
			}
		})
	}
}
