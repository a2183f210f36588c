package pipeline

import "fmt"

// EyeFusion turns the eye model's raw [Lpitch, Lyaw, Llid, Rpitch, Ryaw, Rlid] into the
// output vector ordered by EyeOutputNames. Gaze is remapped from [0,1] to [-1,1] and
// lids are reported as openness.
type EyeFusion struct {
	prevY float32
}

func (e *EyeFusion) Fuse(raw []float32) ([]float32, error) {
	if len(raw) < 6 {
		return nil, fmt.Errorf("eye output has %d values, want 6", len(raw))
	}
	leftPitch, leftYaw := center(raw[0]), center(raw[1])
	rightPitch, rightYaw := center(raw[3]), center(raw[4])
	leftLid, rightLid := 1-raw[2], 1-raw[5]

	eyeY := e.prevY
	if sum := leftLid + rightLid; sum != 0 {
		eyeY = (leftPitch*leftLid + rightPitch*rightLid) / sum
	}
	e.prevY = eyeY

	leftX := rightYaw*(1-leftLid) + leftYaw*leftLid
	rightX := leftYaw*(1-rightLid) + rightYaw*rightLid

	fused := [6]float32{leftX, eyeY, leftLid, rightX, eyeY, rightLid}
	out := make([]float32, len(EyeOutputOrder))
	for i, src := range EyeOutputOrder {
		out[i] = fused[src]
	}
	return out, nil
}

// Reset forgets the retained vertical gaze.
func (e *EyeFusion) Reset() {
	e.prevY = 0
}

func center(v float32) float32 {
	return v*2 - 1
}
