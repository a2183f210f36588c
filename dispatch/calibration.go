package dispatch

import (
	"sync"

	"FaceTrackServer/settings"
)

// Bounds is the raw range a parameter is stretched from.
type Bounds struct {
	Lower float32 `json:"lower"`
	Upper float32 `json:"upper"`
}

func (b Bounds) valid() bool {
	return b.Upper > b.Lower
}

func defaultBounds(param string) Bounds {
	if isGaze(param) {
		return Bounds{Lower: -1, Upper: 1}
	}
	return Bounds{Lower: 0, Upper: 1}
}

// Calibration remaps each parameter from its calibrated bounds onto the output range
// ([-1,1] for gaze, [0,1] otherwise) and clamps.
type Calibration struct {
	mu     sync.RWMutex
	bounds map[string]Bounds
}

func NewCalibration() *Calibration {
	return &Calibration{bounds: make(map[string]Bounds)}
}

// LoadCalibration reads calibration.<param>.lower/upper for every known parameter.
// Parameters without both keys keep the default bounds.
func LoadCalibration(store settings.Store) *Calibration {
	c := NewCalibration()
	c.Reload(store)
	return c
}

func (c *Calibration) Reload(store settings.Store) {
	bounds := make(map[string]Bounds)
	if store != nil {
		for _, names := range [][]string{faceParams, eyeParams} {
			for _, p := range names {
				loKey, hiKey := settings.CalibrationKey(p, "lower"), settings.CalibrationKey(p, "upper")
				_, okLo := store.Get(loKey)
				_, okHi := store.Get(hiKey)
				if !okLo || !okHi {
					continue
				}
				b := Bounds{
					Lower: float32(settings.Float(store, loKey, 0)),
					Upper: float32(settings.Float(store, hiKey, 0)),
				}
				if b.valid() {
					bounds[p] = b
				}
			}
		}
	}
	c.mu.Lock()
	c.bounds = bounds
	c.mu.Unlock()
}

// Set overrides one parameter's bounds. Invalid bounds restore the default.
func (c *Calibration) Set(param string, b Bounds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !b.valid() {
		delete(c.bounds, param)
		return
	}
	c.bounds[param] = b
}

// Save writes the calibrated bounds to store.
func (c *Calibration) Save(store settings.Store) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for p, b := range c.bounds {
		if err := store.Set(settings.CalibrationKey(p, "lower"), float64(b.Lower)); err != nil {
			return err
		}
		if err := store.Set(settings.CalibrationKey(p, "upper"), float64(b.Upper)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Calibration) Bounds(param string) Bounds {
	c.mu.RLock()
	b, ok := c.bounds[param]
	c.mu.RUnlock()
	if !ok {
		return defaultBounds(param)
	}
	return b
}

func (c *Calibration) Apply(param string, v float32) float32 {
	b := c.Bounds(param)
	t := (v - b.Lower) / (b.Upper - b.Lower)
	t = min(max(t, 0), 1)
	if isGaze(param) {
		return t*2 - 1
	}
	return t
}
