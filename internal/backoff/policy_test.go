package backoff

import (
	"math/rand"
	"testing"
	"time"
)

func TestDelaySequenceWithoutJitter(t *testing.T) {
	p := Policy{
		Base:       30 * time.Second,
		Multiplier: 2,
		MaxDelay:   300 * time.Second,
		MaxRetries: 5,
	}

	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		300 * time.Second, // capped
	}

	for n := 1; n <= 5; n++ {
		d, ok := p.Delay(n)
		if !ok {
			t.Fatalf("Delay(%d) exhausted, want %v", n, want[n-1])
		}
		if d != want[n-1] {
			t.Errorf("Delay(%d) = %v, want %v", n, d, want[n-1])
		}
	}

	if d, ok := p.Delay(6); ok {
		t.Errorf("Delay(6) = %v, want exhausted", d)
	}
}

func TestDelayOutOfRange(t *testing.T) {
	p := Default()

	for _, n := range []int{0, -1, DefaultMaxRetries + 1} {
		if d, ok := p.Delay(n); ok {
			t.Errorf("Delay(%d) = %v, want exhausted", n, d)
		}
	}
}

func TestJitterIsBounded(t *testing.T) {
	p := Policy{
		Base:       10 * time.Second,
		Multiplier: 2,
		MaxDelay:   time.Minute,
		Jitter:     0.5,
		MaxRetries: 3,
		Rand:       rand.New(rand.NewSource(42)),
	}

	for n := 1; n <= 3; n++ {
		base, _ := Policy{Base: p.Base, Multiplier: p.Multiplier, MaxDelay: p.MaxDelay, MaxRetries: p.MaxRetries}.Delay(n)
		d, ok := p.Delay(n)
		if !ok {
			t.Fatalf("Delay(%d) exhausted", n)
		}
		if d < base || d > base+time.Duration(0.5*float64(base)) {
			t.Errorf("Delay(%d) = %v outside [%v, %v]", n, d, base, base+time.Duration(0.5*float64(base)))
		}
	}
}

func TestJitterDeterministicWithSeededSource(t *testing.T) {
	a := Default()
	a.Rand = rand.New(rand.NewSource(7))
	b := Default()
	b.Rand = rand.New(rand.NewSource(7))

	for n := 1; n <= DefaultMaxRetries; n++ {
		da, _ := a.Delay(n)
		db, _ := b.Delay(n)
		if da != db {
			t.Errorf("Delay(%d) differs across identical seeds: %v vs %v", n, da, db)
		}
	}
}
