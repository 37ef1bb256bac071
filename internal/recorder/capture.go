package recorder

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/anvil-dev/anvil/internal/relay"
)

var encoderPool = sync.Pool{New: func() interface{} {
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	return enc
}}

func getEncoder() *zstd.Encoder  { return encoderPool.Get().(*zstd.Encoder) }
func putEncoder(e *zstd.Encoder) { encoderPool.Put(e) }

// Capture writes each session's raw traffic to a compressed file, one file
// per session. Each frame is a direction marker ('<' inbound, '>'
// outbound), a big-endian length, and the payload. Capture is its own
// relay.Sink so traffic can be captured without a database.
type Capture struct {
	directory string
	logger    *logrus.Logger

	mu      sync.Mutex
	writers map[string]*captureWriter
}

type captureWriter struct {
	mu      sync.Mutex
	file    *os.File
	encoder *zstd.Encoder
}

var _ relay.Sink = (*Capture)(nil)

var filenameSanitizer = strings.NewReplacer(":", "_", "[", "", "]", "")

// NewCapture prepares dir and begins writing one capture file per session.
func NewCapture(dir string, logger *logrus.Logger) (*Capture, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating capture directory %s: %w", dir, err)
	}
	return &Capture{
		directory: dir,
		logger:    logger,
		writers:   make(map[string]*captureWriter),
	}, nil
}

func (c *Capture) SessionOpened(info relay.SessionInfo) {
	name := fmt.Sprintf("%s-%d.zst", filenameSanitizer.Replace(info.RemoteAddr), time.Now().UnixNano())

	file, err := os.Create(filepath.Join(c.directory, name))
	if err != nil {
		c.logger.Warnf("failed to open capture file for %s: %v", info.RemoteAddr, err)
		return
	}

	encoder := getEncoder()
	encoder.Reset(file)

	c.mu.Lock()
	c.writers[info.RemoteAddr] = &captureWriter{file: file, encoder: encoder}
	c.mu.Unlock()
}

func (c *Capture) SessionIdentified(relay.SessionInfo) {}

func (c *Capture) SessionClosed(info relay.SessionInfo, _ relay.CloseReason) {
	c.mu.Lock()
	writer := c.writers[info.RemoteAddr]
	delete(c.writers, info.RemoteAddr)
	c.mu.Unlock()

	if writer == nil {
		return
	}
	if err := writer.close(); err != nil {
		c.logger.Warnf("failed to finalize capture for %s: %v", info.RemoteAddr, err)
	}
}

func (c *Capture) Data(info relay.SessionInfo, direction relay.Direction, data []byte) {
	c.mu.Lock()
	writer := c.writers[info.RemoteAddr]
	c.mu.Unlock()
	if writer == nil {
		return
	}

	if err := writer.writeFrame(direction, data); err != nil {
		c.logger.Warnf("failed to capture %d bytes from %s: %v", len(data), info.RemoteAddr, err)
		c.drop(info.RemoteAddr)
	}
}

// CloseAll finalizes any capture files still open. Used at server
// shutdown.
func (c *Capture) CloseAll() {
	c.mu.Lock()
	writers := make([]*captureWriter, 0, len(c.writers))
	for remote, writer := range c.writers {
		writers = append(writers, writer)
		delete(c.writers, remote)
	}
	c.mu.Unlock()

	for _, writer := range writers {
		_ = writer.close()
	}
}

func (c *Capture) drop(remote string) {
	c.mu.Lock()
	writer := c.writers[remote]
	delete(c.writers, remote)
	c.mu.Unlock()

	if writer != nil {
		_ = writer.close()
	}
}

func (w *captureWriter) writeFrame(direction relay.Direction, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	marker := byte('<')
	if direction == relay.DirectionOut {
		marker = '>'
	}

	var header [5]byte
	header[0] = marker
	binary.BigEndian.PutUint32(header[1:], uint32(len(data)))

	if _, err := w.encoder.Write(header[:]); err != nil {
		return err
	}
	_, err := w.encoder.Write(data)
	return err
}

// close flushes the compressed stream and returns the encoder to the pool
// for the next session.
func (w *captureWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.encoder.Close()
	w.encoder.Reset(nil)
	putEncoder(w.encoder)

	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	return err
}
