package sitemutex

import "testing"

func TestTryAcquireExcludesConcurrentHolders(t *testing.T) {
	s := New()
	if !s.TryAcquire("A") {
		t.Fatal("expected first acquire of a free site to succeed")
	}
	if s.TryAcquire("A") {
		t.Fatal("expected second acquire of an occupied site to fail")
	}
	if !s.TryAcquire("B") {
		t.Fatal("expected a different site to be free")
	}
}

func TestReleaseFreesSite(t *testing.T) {
	s := New()
	s.TryAcquire("A")
	s.Release("A")
	if !s.Free("A") {
		t.Fatal("expected site to be free after release")
	}
	if !s.TryAcquire("A") {
		t.Fatal("expected re-acquire after release to succeed")
	}
}
