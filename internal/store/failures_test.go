package store

import (
	"fmt"
	"testing"
	"time"
)

func TestFailureStore_Basic(t *testing.T) {
	fs := NewFailureStore(100, time.Minute, 0.001)

	if fs.Failed("track1") {
		t.Error("Empty store should not report any failures")
	}

	fs.Add("track1")
	if !fs.Failed("track1") {
		t.Error("Store should report track1 as failed after Add")
	}

	if fs.Failed("track2") {
		t.Error("Store should not report track2 as failed")
	}

	if fs.Size() != 1 {
		t.Errorf("Store size should be 1, got %d", fs.Size())
	}
}

func TestFailureStore_TTLExpiry(t *testing.T) {
	fs := NewFailureStore(100, 10*time.Millisecond, 0.001)

	fs.Add("track1")
	if !fs.Failed("track1") {
		t.Fatal("track1 should be failed immediately after Add")
	}

	time.Sleep(20 * time.Millisecond)

	if fs.Failed("track1") {
		t.Error("track1 should no longer be failed after TTL expiry")
	}

	if fs.Size() != 0 {
		t.Errorf("Expired entry should have been removed, size = %d", fs.Size())
	}
}

func TestFailureStore_Remove(t *testing.T) {
	fs := NewFailureStore(100, time.Minute, 0.001)

	fs.Add("track1")
	fs.Remove("track1")

	if fs.Failed("track1") {
		t.Error("Removed track should not be reported as failed")
	}

	// Removing a missing key is a no-op
	fs.Remove("never-added")
	if fs.Size() != 0 {
		t.Errorf("Store size should be 0, got %d", fs.Size())
	}
}

func TestFailureStore_CapacityEviction(t *testing.T) {
	fs := NewFailureStore(10, time.Minute, 0.001)

	for i := 0; i < 20; i++ {
		fs.Add(fmt.Sprintf("track%d", i))
	}

	// Exactly the 10 most recent keys remain; everything the LRU evicted
	// left the map with it.
	if fs.Size() != 10 {
		t.Errorf("Store should hold exactly 10 entries, got %d", fs.Size())
	}
	for i := 0; i < 10; i++ {
		if fs.Failed(fmt.Sprintf("track%d", i)) {
			t.Errorf("track%d should have been evicted at capacity", i)
		}
	}
	for i := 10; i < 20; i++ {
		if !fs.Failed(fmt.Sprintf("track%d", i)) {
			t.Errorf("track%d should still be present", i)
		}
	}
}

func TestFailureStore_Clear(t *testing.T) {
	fs := NewFailureStore(100, time.Minute, 0.001)

	fs.Add("track1")
	fs.Add("track2")
	fs.Clear()

	if fs.Size() != 0 {
		t.Errorf("Cleared store size should be 0, got %d", fs.Size())
	}
	if fs.Failed("track1") {
		t.Error("Cleared store should not report failures")
	}
}
