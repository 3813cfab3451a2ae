package cadence

import "testing"

func TestConnectionGuard(t *testing.T) {
	g := NewConnectionGuard()
	a, b := &Client{}, &Client{}

	if err := g.acquire(a); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := g.acquire(b); err != ErrAlreadyConnected {
		t.Fatalf("second acquire = %v, want ErrAlreadyConnected", err)
	}

	// only the owner can release
	g.release(b)
	if !g.Held() {
		t.Fatal("guard released by a non-owner")
	}
	g.release(a)
	if g.Held() {
		t.Fatal("guard still held after release")
	}
	if err := g.acquire(b); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}
