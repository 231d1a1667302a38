package ratelimit

import (
	"context"
	"errors"
	"testing"

	extratelimit "github.com/vnmchuo/ratelimiter"
)

type recordingStore struct {
	allowed bool
	err     error
	keys    []string
}

func (s *recordingStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	s.keys = append(s.keys, key)
	return &extratelimit.Result{Allowed: s.allowed}, s.err
}

func (s *recordingStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return s.AllowN(ctx, key, 1)
}

func (s *recordingStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	s.keys = append(s.keys, key)
	return &extratelimit.Result{Allowed: s.allowed}, s.err
}

func TestAllow_KeysByUser(t *testing.T) {
	store := &recordingStore{allowed: true}
	l := NewTestLimiter(store)

	ok, err := l.Allow(context.Background(), "student-1")
	if err != nil || !ok {
		t.Fatalf("Expected allowed, got %v, %v", ok, err)
	}
	if len(store.keys) != 1 || store.keys[0] != "ratelimit:user:student-1" {
		t.Errorf("unexpected keys %v", store.keys)
	}
}

func TestAllow_Denied(t *testing.T) {
	l := NewTestLimiter(&recordingStore{allowed: false})
	ok, err := l.Allow(context.Background(), "student-1")
	if err != nil || ok {
		t.Errorf("Expected denied, got %v, %v", ok, err)
	}
}

func TestAllow_StoreError(t *testing.T) {
	l := NewTestLimiter(&recordingStore{err: errors.New("redis down")})
	if _, err := l.Allow(context.Background(), "student-1"); err == nil {
		t.Error("Expected store error")
	}
}

func TestAllow_NilLimiter(t *testing.T) {
	var l *Limiter
	ok, err := l.Allow(context.Background(), "anyone")
	if err != nil || !ok {
		t.Errorf("nil limiter should allow, got %v, %v", ok, err)
	}
}

func TestStatus(t *testing.T) {
	store := &recordingStore{allowed: true}
	l := NewTestLimiter(store)
	res, err := l.Status(context.Background(), "student-1")
	if err != nil || res == nil || !res.Allowed {
		t.Fatalf("Expected status, got %v, %v", res, err)
	}
	if store.keys[0] != "ratelimit:user:student-1" {
		t.Errorf("unexpected key %v", store.keys)
	}

	var nilLimiter *Limiter
	if res, err := nilLimiter.Status(context.Background(), "anyone"); res != nil || err != nil {
		t.Errorf("nil limiter should report nothing, got %v, %v", res, err)
	}
}
