package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	iface "FaceTrackServer/interface"

	"go.bug.st/serial"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const (
	// SerialBaudRate is what the camera boards stream at.
	SerialBaudRate = 3000000

	packetMarker     uint32 = 0xFFA0FFA1
	packetHeaderSize        = 8
	maxPacketPayload        = 1 << 20
	maxMarkerScan           = 4 * maxPacketPayload
)

var ErrBadPacket = errors.New("capture: bad serial packet")

// ReadPacket scans r for the FF A0 FF A1 marker, then reads a little-endian uint32 length
// and that many JPEG bytes.
func ReadPacket(r *bufio.Reader) ([]byte, error) {
	var window uint32
	for scanned := 0; ; scanned++ {
		if scanned > maxMarkerScan {
			return nil, fmt.Errorf("%w: no marker in %d bytes", ErrBadPacket, scanned)
		}
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		window = window<<8 | uint32(b)
		if scanned >= 3 && window == packetMarker {
			break
		}
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxPacketPayload {
		return nil, fmt.Errorf("%w: payload length %d", ErrBadPacket, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// EncodePacket frames payload the way the boards do.
func EncodePacket(payload []byte) []byte {
	out := make([]byte, packetHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[0:4], packetMarker)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(payload)))
	copy(out[packetHeaderSize:], payload)
	return out
}

// serialDevice reads framed JPEGs from a USB serial camera board.
type serialDevice struct {
	port string
	mode *serial.Mode
	p    serial.Port
	r    *bufio.Reader
}

func NewSerialSource(source string, log *zap.Logger) (iface.Capture, error) {
	dev := &serialDevice{
		port: source,
		mode: &serial.Mode{BaudRate: SerialBaudRate},
	}
	return NewSource("serial", source, dev, DefaultSourceConfig(), log), nil
}

func (d *serialDevice) Open(ctx context.Context) error {
	p, err := serial.Open(d.port, d.mode)
	if err != nil {
		return err
	}
	if err := p.SetReadTimeout(time.Second); err != nil {
		p.Close()
		return err
	}
	if err := p.ResetInputBuffer(); err != nil {
		p.Close()
		return err
	}
	if ctx.Err() != nil {
		p.Close()
		return ctx.Err()
	}
	d.p = p
	d.r = bufio.NewReaderSize(p, 64*1024)
	return nil
}

func (d *serialDevice) Read() (iface.Frame, error) {
	if d.p == nil {
		return iface.Frame{}, ErrDeviceGone
	}
	payload, err := ReadPacket(d.r)
	if err != nil {
		return iface.Frame{}, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	return decodeJPEG(payload)
}

func (d *serialDevice) Close() error {
	if d.p == nil {
		return nil
	}
	err := d.p.Close()
	d.p = nil
	d.r = nil
	return err
}

func decodeJPEG(payload []byte) (iface.Frame, error) {
	mat, err := gocv.IMDecode(payload, gocv.IMReadGrayScale)
	if err != nil {
		return iface.Frame{}, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	defer mat.Close()
	if mat.Empty() {
		return iface.Frame{}, fmt.Errorf("%w: undecodable jpeg", ErrReadFailed)
	}
	return iface.Frame{
		Width:    mat.Cols(),
		Height:   mat.Rows(),
		Channels: 1,
		Data:     mat.ToBytes(),
	}, nil
}
