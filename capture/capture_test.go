package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	iface "FaceTrackServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDevice struct {
	mu        sync.Mutex
	openErr   error
	openDelay time.Duration
	readErr   error
	panicRead bool
	opens     atomic.Int32
	closes    atomic.Int32
	fill      byte
}

func (d *fakeDevice) Open(ctx context.Context) error {
	d.opens.Add(1)
	if d.openDelay > 0 {
		select {
		case <-time.After(d.openDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return d.openErr
}

func (d *fakeDevice) Read() (iface.Frame, error) {
	time.Sleep(time.Millisecond)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panicRead {
		panic("sensor exploded")
	}
	if d.readErr != nil {
		return iface.Frame{}, d.readErr
	}
	return iface.Frame{Width: 1, Height: 1, Channels: 1, Data: []byte{d.fill}}, nil
}

func (d *fakeDevice) Close() error {
	d.closes.Add(1)
	return nil
}

func (d *fakeDevice) set(fn func(d *fakeDevice)) {
	d.mu.Lock()
	fn(d)
	d.mu.Unlock()
}

func testConfig() SourceConfig {
	cfg := DefaultSourceConfig()
	cfg.StartTimeout = 200 * time.Millisecond
	cfg.StopTimeout = time.Second
	cfg.ErrorDelay = time.Millisecond
	cfg.ReconnectAfter = 0
	return cfg
}

func TestSource_Lifecycle(t *testing.T) {
	dev := &fakeDevice{fill: 7}
	src := NewSource("fake", "fake://0", dev, testConfig(), zap.NewNop())

	_, ok := src.LatestFrame()
	assert.False(t, ok)
	assert.False(t, src.IsReady())

	require.NoError(t, src.StartCapture(context.Background()))
	assert.ErrorIs(t, src.StartCapture(context.Background()), ErrAlreadyRunning)

	require.Eventually(t, src.IsReady, time.Second, 5*time.Millisecond)
	f, ok := src.LatestFrame()
	require.True(t, ok)
	assert.Equal(t, []byte{7}, f.Data)
	assert.NotZero(t, f.Seq)
	assert.False(t, f.Timestamp.IsZero())

	first := f.Seq
	require.Eventually(t, func() bool {
		f, _ := src.LatestFrame()
		return f.Seq > first
	}, time.Second, 5*time.Millisecond)

	assert.True(t, src.StopCapture())
	assert.False(t, src.StopCapture())
	assert.False(t, src.IsReady())
	assert.Equal(t, int32(1), dev.closes.Load())
	assert.Equal(t, "fake", src.Name())
	assert.Equal(t, "fake://0", src.Source())
}

func TestSource_ReadyFollowsReads(t *testing.T) {
	dev := &fakeDevice{}
	src := NewSource("fake", "x", dev, testConfig(), zap.NewNop())
	require.NoError(t, src.StartCapture(context.Background()))
	defer src.StopCapture()

	require.Eventually(t, src.IsReady, time.Second, 5*time.Millisecond)
	dev.set(func(d *fakeDevice) { d.readErr = errors.New("busy") })
	require.Eventually(t, func() bool { return !src.IsReady() }, time.Second, 5*time.Millisecond)
	dev.set(func(d *fakeDevice) { d.readErr = nil })
	require.Eventually(t, src.IsReady, time.Second, 5*time.Millisecond)
}

func TestSource_PanicInReadIsTransient(t *testing.T) {
	dev := &fakeDevice{panicRead: true}
	src := NewSource("fake", "x", dev, testConfig(), zap.NewNop())
	require.NoError(t, src.StartCapture(context.Background()))
	defer src.StopCapture()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, src.IsReady())
	dev.set(func(d *fakeDevice) { d.panicRead = false })
	require.Eventually(t, src.IsReady, time.Second, 5*time.Millisecond)
}

func TestSource_DeviceGoneEndsLoop(t *testing.T) {
	dev := &fakeDevice{readErr: ErrDeviceGone}
	src := NewSource("fake", "x", dev, testConfig(), zap.NewNop())
	require.NoError(t, src.StartCapture(context.Background()))

	require.Eventually(t, func() bool { return !src.Running() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), dev.closes.Load())
	assert.False(t, src.IsReady())
	assert.False(t, src.StopCapture())

	dev.set(func(d *fakeDevice) { d.readErr = nil })
	require.NoError(t, src.StartCapture(context.Background()))
	require.Eventually(t, src.IsReady, time.Second, 5*time.Millisecond)
	assert.True(t, src.Running())
	assert.True(t, src.StopCapture())
	assert.Equal(t, int32(2), dev.opens.Load())
}

func TestSource_StartErrors(t *testing.T) {
	t.Run("open error", func(t *testing.T) {
		dev := &fakeDevice{openErr: errors.New("no such device")}
		src := NewSource("fake", "x", dev, testConfig(), zap.NewNop())
		err := src.StartCapture(context.Background())
		assert.ErrorContains(t, err, "no such device")
		assert.False(t, src.StopCapture())
	})
	t.Run("timeout", func(t *testing.T) {
		dev := &fakeDevice{openDelay: 5 * time.Second}
		src := NewSource("fake", "x", dev, testConfig(), zap.NewNop())
		start := time.Now()
		err := src.StartCapture(context.Background())
		assert.ErrorIs(t, err, ErrStartTimeout)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.False(t, src.StopCapture())
	})
}

func TestSource_Reconnects(t *testing.T) {
	dev := &fakeDevice{readErr: errors.New("unplugged")}
	cfg := testConfig()
	cfg.ReconnectAfter = 3
	cfg.Reconnect = ReconnectConfig{RetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond}
	src := NewSource("fake", "x", dev, cfg, zap.NewNop())
	require.NoError(t, src.StartCapture(context.Background()))
	defer src.StopCapture()

	require.Eventually(t, func() bool { return src.Reconnects() > 0 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, dev.opens.Load(), int32(2))
	dev.set(func(d *fakeDevice) { d.readErr = nil })
	require.Eventually(t, src.IsReady, time.Second, 5*time.Millisecond)
	assert.NotZero(t, src.Frames())
}

func TestBackoff(t *testing.T) {
	cfg := ReconnectConfig{RetryDelay: time.Second, MaxRetryDelay: 10 * time.Second}
	assert.Equal(t, time.Second, backoff(1, cfg))
	assert.Equal(t, 2*time.Second, backoff(2, cfg))
	assert.Equal(t, 8*time.Second, backoff(4, cfg))
	assert.Equal(t, 10*time.Second, backoff(5, cfg))
	assert.Equal(t, 10*time.Second, backoff(100, cfg))
}

func TestRunWithReconnect_GivesUp(t *testing.T) {
	calls := 0
	cfg := ReconnectConfig{MaxRetries: 3, RetryDelay: time.Millisecond}
	attempts, err := runWithReconnect(context.Background(), func(context.Context) error {
		calls++
		return errors.New("nope")
	}, cfg, zap.NewNop())
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"vft", "serial", "opencv"}, r.Names())

	tests := map[string]string{
		"0":                    "opencv",
		"12":                   "opencv",
		"rtsp://10.0.0.2/eyes": "opencv",
		"http://cam.local:81":  "opencv",
		"/dev/video2":          "opencv",
		"clip.MP4":             "opencv",
		"COM3":                 "serial",
		"/dev/ttyACM0":         "serial",
		"/dev/cu.usbserial-1":  "serial",
		"vft:/dev/video0":      "vft",
	}
	for source, want := range tests {
		got, err := r.Match(source)
		require.NoError(t, err, source)
		assert.Equal(t, want, got, source)
	}

	_, err := r.Match("bogus")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestRegistry_CustomSource(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("broken", []string{"("}, NewOpenCVSource))
	assert.Error(t, r.Register("nil", []string{"x"}, nil))

	dev := &fakeDevice{}
	require.NoError(t, r.Register("fake", []string{`^fake://`}, func(source string, log *zap.Logger) (iface.Capture, error) {
		return NewSource("fake", source, dev, testConfig(), log), nil
	}))
	c, err := r.Open("fake://a", nil)
	require.NoError(t, err)
	assert.Equal(t, "fake", c.Name())
	assert.Equal(t, "fake://a", c.Source())
}

func TestReadPacket(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 1, 2, 3, 0xFF, 0xD9}
	stream := append([]byte{0x00, 0xFF, 0xA0, 0x13}, EncodePacket(jpeg)...)
	stream = append(stream, EncodePacket([]byte{9})...)
	r := bufio.NewReader(bytes.NewReader(stream))

	got, err := ReadPacket(r)
	require.NoError(t, err)
	assert.Equal(t, jpeg, got)

	got, err = ReadPacket(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, got)

	_, err = ReadPacket(r)
	assert.Error(t, err)
}

func TestReadPacket_Header(t *testing.T) {
	pkt := EncodePacket([]byte{1, 2})
	assert.Equal(t, []byte{0xFF, 0xA0, 0xFF, 0xA1, 2, 0, 0, 0}, pkt[:packetHeaderSize])

	zero := []byte{0xFF, 0xA0, 0xFF, 0xA1, 0, 0, 0, 0}
	_, err := ReadPacket(bufio.NewReader(bytes.NewReader(zero)))
	assert.ErrorIs(t, err, ErrBadPacket)

	huge := []byte{0xFF, 0xA0, 0xFF, 0xA1, 0xFF, 0xFF, 0xFF, 0x7F}
	_, err = ReadPacket(bufio.NewReader(bytes.NewReader(huge)))
	assert.ErrorIs(t, err, ErrBadPacket)

	truncated := EncodePacket([]byte{1, 2, 3, 4})[:10]
	_, err = ReadPacket(bufio.NewReader(bytes.NewReader(truncated)))
	assert.Error(t, err)
}

func TestYUYVToGray(t *testing.T) {
	src := []byte{10, 128, 20, 128, 30, 128, 40, 128}
	assert.Equal(t, []byte{10, 20, 30, 40}, YUYVToGray(nil, src, nil))

	lut := NewGammaLUT(1)
	assert.Equal(t, []byte{10, 20, 30, 40}, YUYVToGray(make([]byte, 0, 8), src, lut))

	bright := NewGammaLUT(2.2)
	assert.Equal(t, byte(0), bright[0])
	assert.Equal(t, byte(255), bright[255])
	assert.Greater(t, bright[64], byte(64))
}

func TestVFTPayload(t *testing.T) {
	on := vftPayload(true)
	off := vftPayload(false)
	assert.Len(t, on, vftPayloadSize)
	assert.Equal(t, []byte{0x14, 0x01}, on[:2])
	assert.Equal(t, []byte{0x14, 0x00}, off[:2])
	assert.Equal(t, make([]byte, vftPayloadSize-2), on[2:])
}

func TestNewVFTSource_RequiresPath(t *testing.T) {
	_, err := NewVFTSource("vft:", zap.NewNop())
	assert.Error(t, err)
	c, err := NewVFTSource("vft:/dev/video4", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "vft:/dev/video4", c.Source())
}
