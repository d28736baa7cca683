package cachestore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheStore_SetGet(t *testing.T) {
	s := NewMemoryCacheStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	value, ok, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() expected ok=true")
	}
	if string(value) != "v1" {
		t.Errorf("Get() value = %q, want %q", value, "v1")
	}
}

func TestMemoryCacheStore_GetMissing(t *testing.T) {
	s := NewMemoryCacheStore()
	defer s.Close()

	_, ok, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Fatal("Get() expected ok=false for missing key")
	}
}

func TestMemoryCacheStore_ExpiredEntryNotReturned(t *testing.T) {
	s := NewMemoryCacheStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "k1", []byte("v1"), time.Nanosecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, ok, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Fatal("Get() expected expired entry to be absent")
	}
}

func TestMemoryCacheStore_DeleteByPrefix(t *testing.T) {
	s := NewMemoryCacheStore()
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "dir/a", []byte("1"), time.Minute)
	s.Set(ctx, "dir/b", []byte("2"), time.Minute)
	s.Set(ctx, "other", []byte("3"), time.Minute)

	if err := s.DeleteByPrefix(ctx, "dir/"); err != nil {
		t.Fatalf("DeleteByPrefix() error = %v", err)
	}

	if _, ok, _ := s.Get(ctx, "dir/a"); ok {
		t.Error("expected dir/a deleted")
	}
	if _, ok, _ := s.Get(ctx, "other"); !ok {
		t.Error("expected other to survive")
	}
}

func TestMemoryCacheStore_PublishSubscribe(t *testing.T) {
	s := NewMemoryCacheStore()
	defer s.Close()
	ctx := context.Background()

	ch, unsubscribe, err := s.Subscribe(ctx, "fs.events.zone1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()

	if err := s.Publish(ctx, "fs.events.zone1", []byte("hello")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Errorf("received %q, want %q", msg, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
