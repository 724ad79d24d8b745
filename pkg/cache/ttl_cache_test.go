package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	c := New[int](0)
	c.Set("user-1", 42)

	if v, ok := c.Get("user-1"); !ok || v != 42 {
		t.Errorf("Get = %d, %v; want 42, true", v, ok)
	}
	if _, ok := c.Get("user-2"); ok {
		t.Error("expected miss for absent key")
	}

	c.Delete("user-1")
	if _, ok := c.Get("user-1"); ok {
		t.Error("expected miss after Delete")
	}
}

func TestExpiry(t *testing.T) {
	c := New[string](20 * time.Millisecond)
	c.Set("k", "v")

	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected hit before expiry")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Error("expected miss after expiry")
	}
	if n := c.Reap(); n != 1 {
		t.Errorf("Reap = %d, want 1", n)
	}
}

func TestLenSkipsExpired(t *testing.T) {
	c := New[int](20 * time.Millisecond)
	for i := 0; i < 40; i++ {
		c.Set(fmt.Sprintf("key-%d", i), i)
	}
	if got := c.Len(); got != 40 {
		t.Errorf("Len = %d, want 40", got)
	}
	time.Sleep(40 * time.Millisecond)
	c.Set("fresh", 1)
	if got := c.Len(); got != 1 {
		t.Errorf("Len = %d, want 1", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int](time.Minute)
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("key-%d", i%17)
				c.Set(key, g*1000+i)
				c.Get(key)
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}
	if c.Len() == 0 {
		t.Error("expected entries after concurrent writes")
	}
}
