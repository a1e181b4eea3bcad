package delay

import (
	"math/rand"
	"testing"
	"time"
)

func TestNextWithinBounds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		min, max time.Duration
		wantMin  time.Duration
		wantMax  time.Duration
	}{
		{name: "default window", min: 8 * time.Second, max: 14 * time.Second, wantMin: 8 * time.Second, wantMax: 14 * time.Second},
		{name: "swapped", min: 3 * time.Second, max: time.Second, wantMin: time.Second, wantMax: 3 * time.Second},
		{name: "negative clamps", min: -5 * time.Second, max: 10 * time.Millisecond, wantMin: 0, wantMax: 10 * time.Millisecond},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.min, tt.max, rand.NewSource(42))
			for i := 0; i < 2000; i++ {
				d := p.Next()
				if d < tt.wantMin || d > tt.wantMax {
					t.Fatalf("Next() = %v, outside [%v, %v]", d, tt.wantMin, tt.wantMax)
				}
				if d%time.Millisecond != 0 {
					t.Fatalf("Next() = %v, not millisecond aligned", d)
				}
			}
		})
	}
}

func TestNextFixed(t *testing.T) {
	t.Parallel()
	p := New(250*time.Millisecond, 250*time.Millisecond, nil)
	for i := 0; i < 100; i++ {
		if d := p.Next(); d != 250*time.Millisecond {
			t.Fatalf("Next() = %v, want 250ms", d)
		}
	}
}

func TestNextReachesBothEnds(t *testing.T) {
	t.Parallel()
	p := New(0, 2*time.Millisecond, rand.NewSource(1))
	seen := map[time.Duration]bool{}
	for i := 0; i < 500; i++ {
		seen[p.Next()] = true
	}
	for _, want := range []time.Duration{0, time.Millisecond, 2 * time.Millisecond} {
		if !seen[want] {
			t.Fatalf("value %v never produced; inclusive bounds broken (seen=%v)", want, seen)
		}
	}
}

func TestSleepInterrupted(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	close(done)
	if Sleep(done, time.Hour) {
		t.Fatal("Sleep should report interruption")
	}
	if !Sleep(nil, 0) {
		t.Fatal("zero sleep should complete")
	}
}
