package pipeline

import (
	iface "FaceTrackServer/interface"
	"FaceTrackServer/settings"
)

// Kind names a pipeline.
type Kind string

const (
	Face Kind = "face"
	Eye  Kind = "eye"
)

const (
	DefaultFaceModel = "faceModel.onnx"
	DefaultEyeModel  = "eyeModel.onnx"

	defaultMinCutoff = 1.0
	defaultSpeed     = 0.5
)

func DefaultModel(kind Kind) string {
	if kind == Eye {
		return DefaultEyeModel
	}
	return DefaultFaceModel
}

// FilterGroupSettings is one group's enable / min cutoff / speed triple.
type FilterGroupSettings struct {
	Name      string  `json:"name"`
	Indices   []int   `json:"indices,omitempty"`
	Enabled   bool    `json:"enabled"`
	MinCutoff float64 `json:"minCutoff"`
	Speed     float64 `json:"speed"`
}

// Config is everything a pipeline (re)initialization reads from settings.
type Config struct {
	Model   string
	UseGPU  bool
	Split   bool
	Sources []string
	Cameras []iface.CameraSettings
	Filters []FilterGroupSettings
}

func cameraSettings(store settings.Store, cam iface.Camera) iface.CameraSettings {
	name := cam.String()
	return iface.CameraSettings{
		Camera: cam,
		ROI: iface.ROI{
			X:      settings.Int(store, settings.CameraKey(name, "roi_x"), 0),
			Y:      settings.Int(store, settings.CameraKey(name, "roi_y"), 0),
			Width:  settings.Int(store, settings.CameraKey(name, "roi_width"), 0),
			Height: settings.Int(store, settings.CameraKey(name, "roi_height"), 0),
		},
		RotationDegrees: settings.Float(store, settings.CameraKey(name, "rotation"), 0),
		FlipX:           settings.Bool(store, settings.CameraKey(name, "flip_x"), false),
		FlipY:           settings.Bool(store, settings.CameraKey(name, "flip_y"), false),
		Equalize:        settings.Bool(store, settings.CameraKey(name, "equalize"), true),
	}
}

// FilterSettings reads every filter group of kind; missing keys use the defaults.
func FilterSettings(store settings.Store, kind Kind) []FilterGroupSettings {
	var out []FilterGroupSettings
	for _, g := range GroupNames(kind) {
		out = append(out, FilterGroupSettings{
			Name:      g,
			Indices:   GroupIndices(kind, g),
			Enabled:   settings.Bool(store, settings.FilterKey(string(kind), g, "enabled"), true),
			MinCutoff: settings.Float(store, settings.FilterKey(string(kind), g, "min_cutoff"), defaultMinCutoff),
			Speed:     settings.Float(store, settings.FilterKey(string(kind), g, "speed"), defaultSpeed),
		})
	}
	return out
}

// SaveFilterSettings writes groups back to the store by name.
func SaveFilterSettings(store settings.Store, kind Kind, groups []FilterGroupSettings) error {
	for _, g := range groups {
		for field, v := range map[string]any{
			"enabled":    g.Enabled,
			"min_cutoff": g.MinCutoff,
			"speed":      g.Speed,
		} {
			if err := store.Set(settings.FilterKey(string(kind), g.Name, field), v); err != nil {
				return err
			}
		}
	}
	return nil
}

func LoadConfig(store settings.Store, kind Kind) Config {
	cfg := Config{
		Model:   settings.String(store, settings.ModelKey(string(kind)), DefaultModel(kind)),
		UseGPU:  settings.Bool(store, settings.KeyGPUEnabled, true),
		Filters: FilterSettings(store, kind),
	}
	switch kind {
	case Face:
		cfg.Cameras = []iface.CameraSettings{cameraSettings(store, iface.CameraFace)}
		cfg.Sources = []string{settings.String(store, settings.CameraKey("face", "source"), "")}
	case Eye:
		cfg.Cameras = []iface.CameraSettings{
			cameraSettings(store, iface.CameraLeft),
			cameraSettings(store, iface.CameraRight),
		}
		cfg.Split = settings.String(store, settings.KeyEyeMode, settings.EyeModeDual) == settings.EyeModeSplit
		left := settings.String(store, settings.CameraKey("left", "source"), "")
		if cfg.Split {
			cfg.Sources = []string{left}
		} else {
			cfg.Sources = []string{left, settings.String(store, settings.CameraKey("right", "source"), "")}
		}
	}
	return cfg
}
