package focus

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// wireConn is a minimal Wayland wire-protocol connection: object-id
// allocation, message framing, and a demultiplexing read loop. Neither
// foreign-toplevel protocol variant needs to pass file descriptors, so
// this speaks plain stream I/O over the socket fd rather than
// SCM_RIGHTS-bearing control messages.
type wireConn struct {
	fd int

	mu      sync.Mutex
	nextID  uint32
	readBuf []byte

	// handlers maps an object id to the function invoked for every
	// message addressed to it. Handlers run on the single dispatch
	// goroutine that startPump starts; they must not block.
	handlers map[uint32]func(opcode uint16, body []byte)
}

// wlDisplayID is always 1, fixed by the protocol.
const wlDisplayID uint32 = 1

// dialWaylandSocket locates and connects to the compositor's socket,
// following the same WAYLAND_DISPLAY / XDG_RUNTIME_DIR resolution as
// libwayland-client.
func dialWaylandSocket() (*wireConn, error) {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return nil, fmt.Errorf("focus: XDG_RUNTIME_DIR is not set")
	}
	name := os.Getenv("WAYLAND_DISPLAY")
	if name == "" {
		name = "wayland-0"
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(runtimeDir, name)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("focus: create wayland socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("focus: connect %s: %w", path, err)
	}

	return &wireConn{
		fd:       fd,
		nextID:   2, // 1 is wl_display
		handlers: make(map[uint32]func(opcode uint16, body []byte)),
	}, nil
}

func (c *wireConn) allocID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

func (c *wireConn) on(id uint32, fn func(opcode uint16, body []byte)) {
	c.mu.Lock()
	c.handlers[id] = fn
	c.mu.Unlock()
}

func (c *wireConn) forget(id uint32) {
	c.mu.Lock()
	delete(c.handlers, id)
	c.mu.Unlock()
}

func (c *wireConn) close() error {
	return unix.Close(c.fd)
}

// send writes one request. args must already be wire-encoded (see the
// put* helpers below).
func (c *wireConn) send(objectID uint32, opcode uint16, args []byte) error {
	size := 8 + len(args)
	if size%4 != 0 {
		return fmt.Errorf("focus: message body not 4-byte aligned")
	}
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], objectID)
	binary.LittleEndian.PutUint32(header[4:8], uint32(size)<<16|uint32(opcode))

	buf := append(header, args...)
	for len(buf) > 0 {
		n, err := unix.Write(c.fd, buf)
		if err != nil {
			return fmt.Errorf("focus: wayland write: %w", err)
		}
		buf = buf[n:]
	}
	return nil
}

// startPump spawns the single reader goroutine for this connection's
// lifetime and returns immediately. The returned channel receives
// exactly one error (nil on graceful stop) when the pump exits, either
// because stop was closed or because the socket read failed.
func (c *wireConn) startPump(stop <-chan struct{}) <-chan error {
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		var pending []byte
		readErr := make(chan error, 1)
		read := make(chan []byte, 1)

		go func() {
			for {
				n, err := unix.Read(c.fd, buf)
				if err != nil {
					readErr <- err
					return
				}
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				read <- chunk
			}
		}()

		for {
			select {
			case <-stop:
				done <- nil
				return
			case err := <-readErr:
				done <- fmt.Errorf("focus: wayland read: %w", err)
				return
			case chunk := <-read:
				pending = append(pending, chunk...)
				for len(pending) >= 8 {
					objectID := binary.LittleEndian.Uint32(pending[0:4])
					sizeAndOpcode := binary.LittleEndian.Uint32(pending[4:8])
					size := int(sizeAndOpcode >> 16)
					opcode := uint16(sizeAndOpcode & 0xffff)
					if size < 8 || len(pending) < size {
						break
					}
					body := pending[8:size]
					c.mu.Lock()
					handler := c.handlers[objectID]
					c.mu.Unlock()
					if handler != nil {
						handler(opcode, body)
					}
					pending = pending[size:]
				}
			}
		}
	}()
	return done
}

// Wire argument encoding helpers. Wayland pads strings and arrays to a
// 4-byte boundary and length-prefixes both.

func putUint32(args []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return append(args, b...)
}

func putString(args []byte, s string) []byte {
	data := append([]byte(s), 0)
	args = putUint32(args, uint32(len(data)))
	args = append(args, data...)
	for len(args)%4 != 0 {
		args = append(args, 0)
	}
	return args
}

// getUint32 reads a little-endian uint32 at offset off in body.
func getUint32(body []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(body[off : off+4])
}

// getString decodes a wire string starting at offset off, returning the
// decoded value and the offset immediately past its padding.
func getString(body []byte, off int) (string, int) {
	n := int(getUint32(body, off))
	start := off + 4
	if n == 0 {
		return "", start
	}
	s := string(body[start : start+n-1]) // drop the trailing NUL
	total := 4 + n
	for total%4 != 0 {
		total++
	}
	return s, off + total
}

// getUint32Array decodes a wire array of uint32 (used for toplevel
// `state`) starting at offset off.
func getUint32Array(body []byte, off int) ([]uint32, int) {
	n := int(getUint32(body, off))
	start := off + 4
	count := n / 4
	out := make([]uint32, count)
	for i := 0; i < count; i++ {
		out[i] = getUint32(body, start+i*4)
	}
	total := 4 + n
	for total%4 != 0 {
		total++
	}
	return out, off + total
}
