package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxFrameSize bounds a single frame; payloads beyond this indicate a
// misbehaving worker
const maxFrameSize = 64 << 20

// Conn frames messages over a reader/writer pair. Writes are serialized;
// reads are expected from a single goroutine.
type Conn struct {
	r  *bufio.Reader
	w  io.Writer
	mu sync.Mutex
}

// NewConn wraps a transport with the length-framed codec
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: bufio.NewReader(r), w: w}
}

// Write sends one frame: a 4-byte big-endian length prefix followed by
// the JSON body
func (c *Conn) Write(msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("message of %d bytes exceeds frame limit", len(body))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := c.w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// Read blocks for the next frame. io.EOF is returned unchanged when the
// peer closed the channel cleanly between frames.
func (c *Conn) Read() (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if msg.Kind == "" {
		return nil, fmt.Errorf("message without kind")
	}
	return &msg, nil
}
