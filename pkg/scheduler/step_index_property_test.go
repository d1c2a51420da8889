package scheduler

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/loomtide/loom/pkg/scene"
)

// TestStepIndexIsTotalAndBounded checks spec section 8's step_index
// invariant: for every line and every non-negative beat, StepIndex is
// defined and returns a frame whose span actually contains the
// (speed-scaled, modular) beat.
func TestStepIndexIsTotalAndBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("StepIndex returns a frame whose span contains the scaled beat", prop.ForAll(
		func(numFrames int, speed, beat float64) bool {
			line := scene.NewLine(0)
			for i := 1; i < numFrames; i++ {
				line.SetFrame(i, scene.NewFrame(scene.Script{Lang: "dummy"}))
			}
			line.SetSpeedFactor(speed)

			res := StepIndex(line, beat)
			frames := line.Frames()
			if res.FrameIndex < 0 || res.FrameIndex >= len(frames) {
				return false
			}

			scaledBeat := mod(beat*speed, line.Length())
			frame := frames[res.FrameIndex]
			span := frame.FrameLen() * speed
			return res.FrameStartBeat <= scaledBeat && res.FrameStartBeat+span > scaledBeat
		},
		gen.IntRange(1, 8),
		gen.Float64Range(0.1, 8.0),
		gen.Float64Range(0, 10000),
	))

	properties.TestingRun(t)
}
