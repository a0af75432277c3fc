package packetbuf

import (
	"bytes"
	"testing"
)

func TestRingStashTakeRoundTrip(t *testing.T) {
	r := NewRing(4)

	frame := []byte{1, 2, 3, 4}
	id := r.Stash(frame)
	if id == NotBuffered {
		t.Fatal("Stash on an empty ring returned NotBuffered")
	}

	got, ok := r.Take(id)
	if !ok {
		t.Fatal("Take: want ok=true for a freshly stashed id")
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("Take returned %v, want %v", got, frame)
	}
}

func TestRingTakeIsOneShot(t *testing.T) {
	r := NewRing(1)
	id := r.Stash([]byte{0xaa})

	if _, ok := r.Take(id); !ok {
		t.Fatal("first Take: want ok=true")
	}
	if _, ok := r.Take(id); ok {
		t.Fatal("second Take with the same id: want ok=false, frame already released")
	}
}

func TestRingStashExhaustedReturnsNotBuffered(t *testing.T) {
	r := NewRing(2)
	r.Stash([]byte{1})
	r.Stash([]byte{2})

	if id := r.Stash([]byte{3}); id != NotBuffered {
		t.Fatalf("Stash on a full ring = %d, want NotBuffered", id)
	}
}

func TestRingTakeRejectsStaleGeneration(t *testing.T) {
	r := NewRing(1)
	id1 := r.Stash([]byte{1})
	if _, ok := r.Take(id1); !ok {
		t.Fatal("Take id1: want ok=true")
	}

	id2 := r.Stash([]byte{2})
	if id1 == id2 {
		t.Fatal("reused slot handed out an identical id across generations")
	}
	if _, ok := r.Take(id1); ok {
		t.Fatal("Take with a stale (superseded) id: want ok=false")
	}
}

func TestRingTakeUnknownID(t *testing.T) {
	r := NewRing(1)
	if _, ok := r.Take(NotBuffered); ok {
		t.Fatal("Take(NotBuffered): want ok=false")
	}
	if _, ok := r.Take(0x7fffffff); ok {
		t.Fatal("Take of an out-of-range id: want ok=false")
	}
}

func TestRingZeroCapacityAlwaysDeclines(t *testing.T) {
	r := NewRing(0)
	if id := r.Stash([]byte{1}); id != NotBuffered {
		t.Fatalf("Stash on a zero-capacity ring = %d, want NotBuffered", id)
	}
}
