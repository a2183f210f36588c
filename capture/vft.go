package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	iface "FaceTrackServer/interface"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// UVC extension unit control that switches the tracker's IR stream on and off.
const (
	vftUnit        = 4
	vftSelector    = 2
	vftPayloadSize = 384
	uvcSetCur      = 0x01

	DefaultVFTGamma = 1.6
)

var ErrUnsupportedPlatform = errors.New("capture: tracker device control not supported on this platform")

type extensionUnit interface {
	set(unit, selector uint8, data []byte) error
	close() error
}

func vftPayload(on bool) []byte {
	p := make([]byte, vftPayloadSize)
	p[0] = 0x14
	if on {
		p[1] = 0x01
	}
	return p
}

// GammaLUT maps a gray level to 255*(v/255)^(1/gamma).
type GammaLUT [256]byte

func NewGammaLUT(gamma float64) *GammaLUT {
	var lut GammaLUT
	if gamma <= 0 {
		gamma = 1
	}
	for i := range lut {
		v := 255 * math.Pow(float64(i)/255, 1/gamma)
		lut[i] = byte(math.Round(math.Min(255, math.Max(0, v))))
	}
	return &lut
}

// YUYVToGray keeps the luma bytes of a packed YUYV buffer (Y0 U Y1 V ...) and maps
// them through lut. dst is reused when large enough.
func YUYVToGray(dst, src []byte, lut *GammaLUT) []byte {
	n := len(src) / 2
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		y := src[2*i]
		if lut != nil {
			y = lut[y]
		}
		dst[i] = y
	}
	return dst
}

// vftDevice is the dedicated eye tracker: a UVC camera that only streams after an
// extension unit activation and delivers raw YUYV.
type vftDevice struct {
	path string
	lut  *GammaLUT
	xu   extensionUnit
	vc   *gocv.VideoCapture
	mat  gocv.Mat
}

func NewVFTSource(source string, log *zap.Logger) (iface.Capture, error) {
	path := strings.TrimPrefix(source, "vft:")
	if path == "" {
		return nil, fmt.Errorf("capture: empty tracker device path in %q", source)
	}
	dev := &vftDevice{path: path, lut: NewGammaLUT(DefaultVFTGamma)}
	return NewSource("vft", source, dev, DefaultSourceConfig(), log), nil
}

func (d *vftDevice) Open(ctx context.Context) error {
	xu, err := openExtensionUnit(d.path)
	if err != nil {
		return err
	}
	if err := xu.set(vftUnit, vftSelector, vftPayload(true)); err != nil {
		xu.close()
		return fmt.Errorf("activate tracker: %w", err)
	}
	vc, err := gocv.OpenVideoCaptureWithAPI(d.path, gocv.VideoCaptureV4L2)
	if err != nil {
		d.deactivate(xu)
		return err
	}
	if !vc.IsOpened() {
		vc.Close()
		d.deactivate(xu)
		return fmt.Errorf("tracker %s not opened", d.path)
	}
	vc.Set(gocv.VideoCaptureConvertRGB, 0)
	if ctx.Err() != nil {
		vc.Close()
		d.deactivate(xu)
		return ctx.Err()
	}
	d.xu = xu
	d.vc = vc
	d.mat = gocv.NewMat()
	return nil
}

func (d *vftDevice) deactivate(xu extensionUnit) {
	_ = xu.set(vftUnit, vftSelector, vftPayload(false))
	_ = xu.close()
}

func (d *vftDevice) Read() (iface.Frame, error) {
	if d.vc == nil {
		return iface.Frame{}, ErrDeviceGone
	}
	if ok := d.vc.Read(&d.mat); !ok || d.mat.Empty() {
		return iface.Frame{}, ErrReadFailed
	}
	raw := d.mat.ToBytes()
	w, h := d.mat.Cols(), d.mat.Rows()
	switch d.mat.Channels() {
	case 2:
		return iface.Frame{Width: w, Height: h, Channels: 1, Data: YUYVToGray(nil, raw, d.lut)}, nil
	case 1:
		for i, v := range raw {
			raw[i] = d.lut[v]
		}
		return iface.Frame{Width: w, Height: h, Channels: 1, Data: raw}, nil
	default:
		return iface.Frame{Width: w, Height: h, Channels: d.mat.Channels(), Data: raw}, nil
	}
}

func (d *vftDevice) Close() error {
	if d.vc == nil {
		return nil
	}
	err := d.vc.Close()
	d.mat.Close()
	d.vc = nil
	d.deactivate(d.xu)
	d.xu = nil
	return err
}
