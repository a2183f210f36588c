// Package dispatch turns pipeline output into named parameter updates and fans them out
// to sinks.
package dispatch

import (
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	iface "FaceTrackServer/interface"
	"FaceTrackServer/pipeline"
	"FaceTrackServer/settings"
)

// Update is one tick's worth of named parameters. Time is unix nanoseconds.
type Update struct {
	Seq    uint64             `cbor:"seq" json:"seq"`
	Time   int64              `cbor:"ts" json:"ts"`
	Params map[string]float32 `cbor:"params" json:"params"`
}

func (u Update) Timestamp() time.Time {
	return time.Unix(0, u.Time)
}

// ParamName converts a model output name to its dispatched form, e.g. jawOpen -> JawOpen.
func ParamName(name string) string {
	r, n := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToUpper(r)) + name[n:]
}

var (
	faceParams = paramNames(pipeline.FaceExpressionNames)
	eyeParams  = pipeline.EyeOutputNames
)

func paramNames(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = ParamName(n)
	}
	return out
}

// FaceParams and EyeParams list every parameter the mapper can emit.
func FaceParams() []string { return append([]string(nil), faceParams...) }
func EyeParams() []string  { return append([]string(nil), eyeParams...) }

func isGaze(param string) bool {
	switch param {
	case "LeftEyeX", "LeftEyeY", "RightEyeX", "RightEyeY":
		return true
	}
	return false
}

// Mapper names and calibrates expression vectors.
type Mapper struct {
	cal *Calibration
	seq atomic.Uint64
	now func() time.Time
}

func NewMapper(store settings.Store) *Mapper {
	return &Mapper{cal: LoadCalibration(store), now: time.Now}
}

func (m *Mapper) Calibration() *Calibration {
	return m.cal
}

// Map returns the named parameters of ex. A nil pipeline output contributes nothing;
// extra values beyond the known names are ignored.
func (m *Mapper) Map(ex iface.Expressions) Update {
	u := Update{
		Seq:    m.seq.Add(1),
		Time:   m.now().UnixNano(),
		Params: make(map[string]float32, len(ex.Face)+len(ex.Eye)),
	}
	for i, v := range ex.Face {
		if i >= len(faceParams) {
			break
		}
		u.Params[faceParams[i]] = m.cal.Apply(faceParams[i], v)
	}
	for i, v := range ex.Eye {
		if i >= len(eyeParams) {
			break
		}
		u.Params[eyeParams[i]] = m.cal.Apply(eyeParams[i], v)
	}
	return u
}
