package capture

import (
	"context"
	"fmt"
	"strconv"

	iface "FaceTrackServer/interface"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// videoDevice reads webcams, video files and network streams through OpenCV.
type videoDevice struct {
	source string
	vc     *gocv.VideoCapture
	mat    gocv.Mat
}

func NewOpenCVSource(source string, log *zap.Logger) (iface.Capture, error) {
	return NewSource("opencv", source, &videoDevice{source: source}, DefaultSourceConfig(), log), nil
}

func (d *videoDevice) Open(ctx context.Context) error {
	var device any = d.source
	if idx, err := strconv.Atoi(d.source); err == nil {
		device = idx
	}
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return err
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("video capture %s not opened", d.source)
	}
	if ctx.Err() != nil {
		vc.Close()
		return ctx.Err()
	}
	d.vc = vc
	d.mat = gocv.NewMat()
	return nil
}

func (d *videoDevice) Read() (iface.Frame, error) {
	if d.vc == nil {
		return iface.Frame{}, ErrDeviceGone
	}
	if ok := d.vc.Read(&d.mat); !ok || d.mat.Empty() {
		return iface.Frame{}, ErrReadFailed
	}
	return iface.Frame{
		Width:    d.mat.Cols(),
		Height:   d.mat.Rows(),
		Channels: d.mat.Channels(),
		Data:     d.mat.ToBytes(),
	}, nil
}

func (d *videoDevice) Close() error {
	if d.vc == nil {
		return nil
	}
	err := d.vc.Close()
	d.mat.Close()
	d.vc = nil
	return err
}
