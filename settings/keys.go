package settings

import "fmt"

const (
	KeyGPUEnabled = "gpu_enabled"
	KeyEyeMode    = "eye.mode"

	EyeModeDual  = "dual"
	EyeModeSplit = "split"
)

// ModelKey is the model file name setting of a pipeline ("face" or "eye").
func ModelKey(pipeline string) string {
	return pipeline + ".model"
}

// CameraKey addresses a per-camera field, e.g. CameraKey("left", "source").
func CameraKey(camera, field string) string {
	return fmt.Sprintf("camera.%s.%s", camera, field)
}

// FilterKey addresses a per-group filter field: enabled, min_cutoff or speed.
func FilterKey(pipeline, group, field string) string {
	return fmt.Sprintf("filter.%s.%s.%s", pipeline, group, field)
}

// CalibrationKey addresses a parameter bound: lower or upper.
func CalibrationKey(param, bound string) string {
	return fmt.Sprintf("calibration.%s.%s", param, bound)
}
