package pipeline

import (
	"strings"

	"FaceTrackServer/filter"
)

// FaceExpressionNames is the face model's output order.
var FaceExpressionNames = []string{
	"cheekPuffLeft", "cheekPuffRight", "cheekSuckLeft", "cheekSuckRight",
	"jawOpen", "jawForward", "jawLeft", "jawRight",
	"noseSneerLeft", "noseSneerRight",
	"mouthFunnel", "mouthPucker", "mouthLeft", "mouthRight",
	"mouthRollUpper", "mouthRollLower", "mouthShrugUpper", "mouthShrugLower",
	"mouthClose", "mouthSmileLeft", "mouthSmileRight", "mouthFrownLeft", "mouthFrownRight",
	"mouthDimpleLeft", "mouthDimpleRight", "mouthUpperUpLeft", "mouthUpperUpRight",
	"mouthLowerDownLeft", "mouthLowerDownRight", "mouthPressLeft", "mouthPressRight",
	"mouthStretchLeft", "mouthStretchRight",
	"tongueOut", "tongueUp", "tongueDown", "tongueLeft", "tongueRight", "tongueRoll",
	"tongueBendDown", "tongueCurlUp", "tongueSquish", "tongueFlat", "tongueTwistLeft", "tongueTwistRight",
}

// FaceGroupPrefixes name the face filter groups; each group covers the expressions
// starting with its name.
var FaceGroupPrefixes = []string{"cheek", "jaw", "nose", "mouth", "tongue"}

// EyeOutputNames is the order of the fused eye vector. The user's left eye is the
// camera's right eye.
var EyeOutputNames = []string{"LeftEyeX", "LeftEyeY", "LeftEyeLid", "RightEyeX", "RightEyeY", "RightEyeLid"}

// EyeOutputOrder picks, for each EyeOutputNames slot, the index of the camera-order
// fused vector [leftYaw, pitch, leftLid, rightYaw, pitch, rightLid].
var EyeOutputOrder = [6]int{3, 4, 5, 0, 1, 2}

// EyeGroups are the eye filter groups over the fused output.
var EyeGroups = map[string][]int{
	"gaze": {0, 1, 3, 4},
	"lid":  {2, 5},
}

var eyeGroupOrder = []string{"gaze", "lid"}

// FaceGroupIndices returns the output indices of a face group.
func FaceGroupIndices(group string) []int {
	var idx []int
	for i, name := range FaceExpressionNames {
		if strings.HasPrefix(name, group) {
			idx = append(idx, i)
		}
	}
	return idx
}

// GroupNames returns the filter group names of a pipeline in application order.
func GroupNames(kind Kind) []string {
	if kind == Eye {
		return eyeGroupOrder
	}
	return FaceGroupPrefixes
}

// GroupIndices resolves a pipeline's group name to output indices.
func GroupIndices(kind Kind, group string) []int {
	if kind == Eye {
		return EyeGroups[group]
	}
	return FaceGroupIndices(group)
}

// GroupConfigs converts the enabled groups of cfgs to filter configs.
func GroupConfigs(cfgs []FilterGroupSettings) []filter.GroupConfig {
	out := make([]filter.GroupConfig, 0, len(cfgs))
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		out = append(out, filter.GroupConfig{Name: c.Name, Indices: c.Indices, MinCutoff: c.MinCutoff, Beta: c.Speed})
	}
	return out
}

// NewFilter builds a fresh grouped filter from cfgs, skipping disabled groups.
func NewFilter(cfgs []FilterGroupSettings, now filter.Clock) *filter.Grouped {
	f := filter.NewGroupedWithClock(now)
	f.Apply(GroupConfigs(cfgs))
	return f
}
