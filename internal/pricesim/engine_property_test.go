package pricesim

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

// Drifting toward a target strictly shrinks the gap each step and terminates
// in AT_TARGET_FOLLOW exactly on the target, regardless of start, tick size
// and distance.
func TestDriftConvergenceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		start := rapid.Float64Range(0.01, 1e5).Draw(t, "start")
		tick := rapid.Float64Range(1e-3, 1e3).Draw(t, "tick")
		steps := rapid.IntRange(0, 200).Draw(t, "steps")
		frac := rapid.Float64Range(0, 0.99).Draw(t, "frac")
		up := rapid.Bool().Draw(t, "up")

		dist := (float64(steps) + frac) * tick
		target := start + dist
		if !up {
			target = start - dist
		}

		e := newTestEngine()
		forceState(e, "SYM", ModeToTarget, start, start, tick, &target)

		prevGap := math.Abs(target - start)
		for i := 0; i <= steps+1; i++ {
			e.step("SYM")
			cur, _ := e.GetPrice("SYM")
			gap := math.Abs(target - cur)
			if cur == target {
				break
			}
			if gap >= prevGap {
				t.Fatalf("step %d: gap %v did not shrink from %v", i, gap, prevGap)
			}
			prevGap = gap
		}

		v, err := e.PublicView("SYM")
		if err != nil {
			t.Fatal(err)
		}
		if v.Price != target {
			t.Fatalf("price = %v, want exactly %v", v.Price, target)
		}
		if v.Mode != ModeAtTargetFollow {
			t.Fatalf("mode = %v, want AT_TARGET_FOLLOW", v.Mode)
		}
	})
}
