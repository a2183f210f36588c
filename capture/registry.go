// Package capture provides the video sources behind iface.Capture and the registry that
// picks one for a connection string.
package capture

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	iface "FaceTrackServer/interface"

	"go.uber.org/zap"
)

var ErrNoMatch = errors.New("capture: no source matches connection string")

// Factory builds an unstarted source for a connection string.
type Factory func(source string, log *zap.Logger) (iface.Capture, error)

type registration struct {
	name     string
	patterns []*regexp.Regexp
	factory  Factory
}

// Registry matches connection strings against registered patterns in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []registration
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(name string, patterns []string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("capture: nil factory for %s", name)
	}
	reg := registration{name: name, factory: factory}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("capture: pattern %q for %s: %w", p, name, err)
		}
		reg.patterns = append(reg.patterns, re)
	}
	r.mu.Lock()
	r.entries = append(r.entries, reg)
	r.mu.Unlock()
	return nil
}

// Match returns the name of the first registration whose patterns match source.
func (r *Registry) Match(source string) (string, error) {
	reg, err := r.match(source)
	if err != nil {
		return "", err
	}
	return reg.name, nil
}

func (r *Registry) match(source string) (registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.entries {
		for _, re := range reg.patterns {
			if re.MatchString(source) {
				return reg, nil
			}
		}
	}
	return registration{}, fmt.Errorf("%w: %q", ErrNoMatch, source)
}

func (r *Registry) Open(source string, log *zap.Logger) (iface.Capture, error) {
	reg, err := r.match(source)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return reg.factory(source, log.With(zap.String("source", source), zap.String("kind", reg.name)))
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for _, reg := range r.entries {
		names = append(names, reg.name)
	}
	return names
}

var (
	SerialPatterns = []string{`^COM\d+$`, `^/dev/tty(USB|ACM)\d+$`, `^/dev/cu\..+$`}
	VFTPatterns    = []string{`^vft:.+$`}
	OpenCVPatterns = []string{`^\d+$`, `^(rtsp|rtmp|http|https|udp|tcp)://`, `^/dev/video\d+$`, `(?i)\.(mp4|avi|mkv|mov)$`}
)

// DefaultRegistry holds every built-in source. The tracker device and serial patterns are
// checked before the generic OpenCV ones.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(r.Register("vft", VFTPatterns, NewVFTSource))
	must(r.Register("serial", SerialPatterns, NewSerialSource))
	must(r.Register("opencv", OpenCVPatterns, NewOpenCVSource))
	return r
}
