// Package recorder writes dispatched updates to a session file and reads them back.
//
// File layout: the 8-byte magic, then records of
// [uint64 LE unix nanos][uint32 LE length][cbor payload].
package recorder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"FaceTrackServer/dispatch"

	"github.com/fxamacker/cbor/v2"
)

const Magic = "FTRKREC1"

const headerSize = 12

// MaxRecordSize bounds a single payload when reading.
const MaxRecordSize = 1 << 20

var (
	ErrBadMagic = errors.New("recorder: not a session file")
	ErrClosed   = errors.New("recorder: writer is closed")
)

type Writer struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
	now  func() time.Time
}

// Create opens a new session file named <timestamp>_<prefix>.rec under dir.
func Create(dir, prefix string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s_%s.rec", time.Now().Format("20060102_150405"), prefix)
	return CreateFile(filepath.Join(dir, name))
}

func CreateFile(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 64*1024)
	if _, err := w.WriteString(Magic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: w, path: path, now: time.Now}, nil
}

func (r *Writer) Path() string {
	return r.path
}

// Record appends one raw payload.
func (r *Writer) Record(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return ErrClosed
	}
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(r.now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	return r.w.Flush()
}

func (r *Writer) Name() string {
	return "recorder:" + r.path
}

// Send makes Writer a dispatch sink.
func (r *Writer) Send(u dispatch.Update) error {
	payload, err := cbor.Marshal(u)
	if err != nil {
		return err
	}
	return r.Record(payload)
}

func (r *Writer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		r.w = nil
		return err
	}
	err := r.f.Close()
	r.w = nil
	return err
}

// Entry is one record read back from a session file.
type Entry struct {
	Recorded time.Time
	Payload  []byte
}

// Update decodes the payload as a dispatched update.
func (e Entry) Update() (dispatch.Update, error) {
	var u dispatch.Update
	err := cbor.Unmarshal(e.Payload, &u)
	return u, err
}

type Reader struct {
	r *bufio.Reader
}

// NewReader checks the magic and positions r at the first record.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != Magic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadMagic, string(magic))
	}
	return &Reader{r: br}, nil
}

// Next returns io.EOF after the last complete record. A truncated trailing record
// returns io.ErrUnexpectedEOF.
func (r *Reader) Next() (Entry, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return Entry{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(header[:8]))
	size := binary.LittleEndian.Uint32(header[8:12])
	if size > MaxRecordSize {
		return Entry{}, fmt.Errorf("record of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Entry{}, err
	}
	return Entry{Recorded: time.Unix(0, ts), Payload: payload}, nil
}
