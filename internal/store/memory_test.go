package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreSetGet(t *testing.T) {
	s := NewMemoryStore(context.Background())
	defer s.Close()

	if err := s.SetWithTTL(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}

	got, ok := s.Get(context.Background(), "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = (%q, %v), want (\"v\", true)", got, ok)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(context.Background())
	defer s.Close()

	if err := s.SetWithTTL(context.Background(), "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, ok := s.Get(context.Background(), "k"); ok {
		t.Fatal("expected lazy expiry on Get")
	}
	if s.Len() != 0 {
		t.Fatalf("expired entry should be evicted on access, Len = %d", s.Len())
	}
}

func TestMemoryStoreZeroTTLDefaults(t *testing.T) {
	s := NewMemoryStore(context.Background())
	defer s.Close()

	if err := s.SetWithTTL(context.Background(), "k", []byte("v"), 0); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}
	if _, ok := s.Get(context.Background(), "k"); !ok {
		t.Fatal("zero TTL should fall back to a long default, not immediate expiry")
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore(context.Background())
	defer s.Close()

	_ = s.SetWithTTL(context.Background(), "k", []byte("v"), time.Minute)
	if err := s.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(context.Background(), "k"); ok {
		t.Fatal("key should be gone after Delete")
	}
}
