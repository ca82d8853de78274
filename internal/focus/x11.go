package focus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/encoding/charmap"

	"switchd/internal/rules"
)

// Predefined X11 core-protocol atoms (see <X11/Xatom.h>); these never
// need an InternAtom round trip.
const (
	atomCardinal uint32 = 6
	atomString   uint32 = 31
	atomWindow   uint32 = 33
	atomWMName   uint32 = 39
	atomWMClass  uint32 = 67
)

const (
	opInternAtom             = 16
	opChangeWindowAttributes = 2
	opGetProperty            = 20
	cwEventMask              = 1 << 11
	propertyChangeMask       = 1 << 22
	eventPropertyNotify      = 28
)

type x11Result struct {
	data []byte
	err  error
}

// x11Conn is a minimal X11 client connection: enough to intern atoms,
// read window properties, and watch PropertyNotify on the root window.
type x11Conn struct {
	conn net.Conn

	mu      sync.Mutex
	seq     uint16
	pending map[uint16]chan x11Result

	atomMu    sync.Mutex
	atomCache map[string]uint32

	events chan []byte
	errCh  chan error

	root uint32
}

func parseDisplay(display string) (network, address string, screen int, err error) {
	_, network, address, screen, err = parseDisplayNum(display)
	return network, address, screen, err
}

func parseDisplayNum(display string) (displayNum int, network, address string, screen int, err error) {
	if display == "" {
		display = os.Getenv("DISPLAY")
	}
	host, rest, found := strings.Cut(display, ":")
	if !found {
		return 0, "", "", 0, fmt.Errorf("focus: malformed DISPLAY %q", display)
	}
	displayPart, screenPart, _ := strings.Cut(rest, ".")
	displayNum, err = strconv.Atoi(displayPart)
	if err != nil {
		return 0, "", "", 0, fmt.Errorf("focus: malformed DISPLAY %q: %w", display, err)
	}
	if screenPart != "" {
		screen, err = strconv.Atoi(screenPart)
		if err != nil {
			return 0, "", "", 0, fmt.Errorf("focus: malformed DISPLAY %q: %w", display, err)
		}
	}
	if host == "" || host == "unix" {
		return displayNum, "unix", filepath.Join("/tmp/.X11-unix", fmt.Sprintf("X%d", displayNum)), screen, nil
	}
	return displayNum, "tcp", fmt.Sprintf("%s:%d", host, 6000+displayNum), screen, nil
}

// readXauthCookie scans the Xauthority file for an entry matching
// displayNum, returning the authorization name/data pair to present
// during the setup handshake. A missing file or entry is not an error:
// the caller falls back to no authentication.
func readXauthCookie(displayNum int) (name string, data []byte) {
	path := os.Getenv("XAUTHORITY")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", nil
		}
		path = filepath.Join(home, ".Xauthority")
	}
	f, err := os.Open(path)
	if err != nil {
		return "", nil
	}
	defer f.Close()

	r := bufio.NewReader(f)
	want := strconv.Itoa(displayNum)
	const familyWild = 0xffff
	for {
		family, ok := readBE16(r)
		if !ok {
			return "", nil
		}
		addr, ok := readBEString(r)
		if !ok {
			return "", nil
		}
		disp, ok := readBEString(r)
		if !ok {
			return "", nil
		}
		authName, ok := readBEString(r)
		if !ok {
			return "", nil
		}
		authData, ok := readBEBytes(r)
		if !ok {
			return "", nil
		}
		_ = addr
		if family == familyWild || string(disp) == want {
			return string(authName), authData
		}
	}
}

func readBE16(r *bufio.Reader) (uint16, bool) {
	var b [2]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, false
	}
	return binary.BigEndian.Uint16(b[:]), true
}

func readBEString(r *bufio.Reader) ([]byte, bool) {
	return readBEBytes(r)
}

func readBEBytes(r *bufio.Reader) ([]byte, bool) {
	n, ok := readBE16(r)
	if !ok {
		return nil, false
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, false
	}
	return buf, true
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func pad4(n int) int {
	for n%4 != 0 {
		n++
	}
	return n
}

// connectX11 performs the full setup handshake against display (empty
// uses $DISPLAY) and returns a live connection positioned to issue
// requests and receive events.
func connectX11(display string) (*x11Conn, error) {
	displayNum, network, address, _, err := parseDisplayNum(display)
	if err != nil {
		return nil, err
	}

	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("focus: connect X11 display: %w", err)
	}

	authName, authData := readXauthCookie(displayNum)

	req := &bytes.Buffer{}
	req.WriteByte('l') // little-endian byte order
	req.WriteByte(0)
	binary.Write(req, binary.LittleEndian, uint16(11)) // major
	binary.Write(req, binary.LittleEndian, uint16(0))  // minor
	binary.Write(req, binary.LittleEndian, uint16(len(authName)))
	binary.Write(req, binary.LittleEndian, uint16(len(authData)))
	binary.Write(req, binary.LittleEndian, uint16(0)) // unused
	req.WriteString(authName)
	req.Write(make([]byte, pad4(len(authName))-len(authName)))
	req.Write(authData)
	req.Write(make([]byte, pad4(len(authData))-len(authData)))

	if _, err := conn.Write(req.Bytes()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("focus: write X11 setup request: %w", err)
	}

	br := bufio.NewReader(conn)
	head := make([]byte, 8)
	if _, err := readFull(br, head); err != nil {
		conn.Close()
		return nil, fmt.Errorf("focus: read X11 setup reply: %w", err)
	}

	status := head[0]
	additionalLen := int(binary.LittleEndian.Uint16(head[6:8])) * 4
	body := make([]byte, additionalLen)
	if _, err := readFull(br, body); err != nil {
		conn.Close()
		return nil, fmt.Errorf("focus: read X11 setup body: %w", err)
	}

	if status != 1 {
		reasonLen := int(head[1])
		reason := ""
		if reasonLen <= len(body) {
			reason = string(body[:reasonLen])
		}
		conn.Close()
		return nil, fmt.Errorf("focus: X11 server refused connection: %s", reason)
	}

	// body layout: 40-byte fixed header (minus the 8 already read),
	// i.e. 32 more fixed bytes, then the vendor string, then pixmap
	// formats, then the SCREEN records. We only need the root window
	// id, the first 4 bytes of the first SCREEN record.
	if len(body) < 32 {
		conn.Close()
		return nil, fmt.Errorf("focus: X11 setup reply truncated")
	}
	vendorLen := int(binary.LittleEndian.Uint16(body[16:18]))
	numFormats := int(body[21])
	off := 32 + pad4(vendorLen) + numFormats*8
	if off+4 > len(body) {
		conn.Close()
		return nil, fmt.Errorf("focus: X11 setup reply missing screen data")
	}
	root := binary.LittleEndian.Uint32(body[off : off+4])

	c := &x11Conn{
		conn:      conn,
		pending:   make(map[uint16]chan x11Result),
		atomCache: make(map[string]uint32),
		events:    make(chan []byte, 32),
		errCh:     make(chan error, 1),
		root:      root,
	}
	go c.pump()
	return c, nil
}

func (c *x11Conn) pump() {
	br := bufio.NewReaderSize(c.conn, 4096)
	for {
		msg := make([]byte, 32)
		if _, err := readFull(br, msg); err != nil {
			c.failAll(err)
			return
		}
		switch msg[0] {
		case 0: // Error
			seq := binary.LittleEndian.Uint16(msg[2:4])
			c.deliver(seq, x11Result{err: fmt.Errorf("focus: X11 error code %d", msg[1])})
		case 1: // Reply
			seq := binary.LittleEndian.Uint16(msg[2:4])
			extraLen := int(binary.LittleEndian.Uint32(msg[4:8])) * 4
			full := msg
			if extraLen > 0 {
				extra := make([]byte, extraLen)
				if _, err := readFull(br, extra); err != nil {
					c.failAll(err)
					return
				}
				full = append(full, extra...)
			}
			c.deliver(seq, x11Result{data: full})
		default: // Event
			select {
			case c.events <- msg:
			default:
			}
		}
	}
}

func (c *x11Conn) deliver(seq uint16, res x11Result) {
	c.mu.Lock()
	ch := c.pending[seq]
	delete(c.pending, seq)
	c.mu.Unlock()
	if ch != nil {
		ch <- res
	}
}

func (c *x11Conn) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint16]chan x11Result)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- x11Result{err: err}
	}
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *x11Conn) request(data []byte) ([]byte, error) {
	ch := make(chan x11Result, 1)
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.pending[seq] = ch
	_, err := c.conn.Write(data)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	res := <-ch
	return res.data, res.err
}

func (c *x11Conn) requestNoReply(data []byte) error {
	c.mu.Lock()
	c.seq++
	_, err := c.conn.Write(data)
	c.mu.Unlock()
	return err
}

func (c *x11Conn) close() error {
	return c.conn.Close()
}

func (c *x11Conn) internAtom(name string) (uint32, error) {
	c.atomMu.Lock()
	if id, ok := c.atomCache[name]; ok {
		c.atomMu.Unlock()
		return id, nil
	}
	c.atomMu.Unlock()

	buf := make([]byte, 8)
	buf[0] = opInternAtom
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(name)))
	buf = append(buf, []byte(name)...)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(buf)/4))

	reply, err := c.request(buf)
	if err != nil {
		return 0, err
	}
	id := binary.LittleEndian.Uint32(reply[8:12])

	c.atomMu.Lock()
	c.atomCache[name] = id
	c.atomMu.Unlock()
	return id, nil
}

func (c *x11Conn) selectPropertyChanges(window uint32) error {
	data := make([]byte, 16)
	data[0] = opChangeWindowAttributes
	binary.LittleEndian.PutUint16(data[2:4], 4)
	binary.LittleEndian.PutUint32(data[4:8], window)
	binary.LittleEndian.PutUint32(data[8:12], cwEventMask)
	binary.LittleEndian.PutUint32(data[12:16], propertyChangeMask)
	return c.requestNoReply(data)
}

func (c *x11Conn) getProperty(window, property, typ uint32, longLength uint32) (replyType uint32, format byte, value []byte, err error) {
	data := make([]byte, 24)
	data[0] = opGetProperty
	data[1] = 0
	binary.LittleEndian.PutUint16(data[2:4], 6)
	binary.LittleEndian.PutUint32(data[4:8], window)
	binary.LittleEndian.PutUint32(data[8:12], property)
	binary.LittleEndian.PutUint32(data[12:16], typ)
	binary.LittleEndian.PutUint32(data[16:20], 0)
	binary.LittleEndian.PutUint32(data[20:24], longLength)

	reply, err := c.request(data)
	if err != nil {
		return 0, 0, nil, err
	}
	if len(reply) < 32 {
		return 0, 0, nil, fmt.Errorf("focus: GetProperty reply truncated")
	}
	format = reply[1]
	replyType = binary.LittleEndian.Uint32(reply[8:12])
	valueLen := binary.LittleEndian.Uint32(reply[16:20])
	if format == 0 || valueLen == 0 {
		return replyType, format, nil, nil
	}
	byteLen := int(valueLen) * int(format) / 8
	if 32+byteLen > len(reply) {
		byteLen = len(reply) - 32
	}
	return replyType, format, reply[32 : 32+byteLen], nil
}

// x11Source implements Source over the core X11 protocol plus EWMH
// conventions (_NET_ACTIVE_WINDOW, _NET_WM_NAME).
type x11Source struct {
	display string
}

// NewX11 returns a Source that tracks the active window over the X11
// protocol, as described by $DISPLAY.
func NewX11() Source {
	return &x11Source{}
}

func (s *x11Source) windowInfo(c *x11Conn, win uint32) (rules.WindowInfo, error) {
	if win == 0 {
		return rules.WindowInfo{}, nil
	}
	_, _, classValue, err := c.getProperty(win, atomWMClass, atomString, 64)
	if err != nil {
		return rules.WindowInfo{}, err
	}
	class := ""
	if parts := bytes.Split(bytes.TrimRight(classValue, "\x00"), []byte{0}); len(parts) >= 2 {
		class = string(parts[1])
	} else if len(parts) == 1 {
		class = string(parts[0])
	}

	utf8Name, err := c.internAtom("UTF8_STRING")
	if err != nil {
		return rules.WindowInfo{}, err
	}
	netWMName, err := c.internAtom("_NET_WM_NAME")
	if err != nil {
		return rules.WindowInfo{}, err
	}

	title := ""
	_, _, titleValue, err := c.getProperty(win, netWMName, utf8Name, 1024)
	if err != nil {
		return rules.WindowInfo{}, err
	}
	if len(titleValue) > 0 {
		title = string(titleValue)
	} else {
		_, _, wmName, err := c.getProperty(win, atomWMName, atomString, 1024)
		if err != nil {
			return rules.WindowInfo{}, err
		}
		if len(wmName) > 0 {
			decoded, decErr := charmap.ISO8859_1.NewDecoder().Bytes(wmName)
			if decErr == nil {
				title = string(decoded)
			}
		}
	}

	return rules.WindowInfo{Class: class, Title: title}, nil
}

func (s *x11Source) activeWindow(c *x11Conn, netActiveWindow uint32) (uint32, error) {
	_, _, value, err := c.getProperty(c.root, netActiveWindow, atomWindow, 1)
	if err != nil {
		return 0, err
	}
	if len(value) < 4 {
		return 0, nil
	}
	return binary.LittleEndian.Uint32(value), nil
}

func (s *x11Source) QueryCurrent(ctx context.Context) (rules.WindowInfo, error) {
	c, err := connectX11(s.display)
	if err != nil {
		return rules.WindowInfo{}, err
	}
	defer c.close()

	netActiveWindow, err := c.internAtom("_NET_ACTIVE_WINDOW")
	if err != nil {
		return rules.WindowInfo{}, err
	}
	win, err := s.activeWindow(c, netActiveWindow)
	if err != nil {
		return rules.WindowInfo{}, err
	}
	return s.windowInfo(c, win)
}

func (s *x11Source) Run(ctx context.Context, sink chan<- rules.WindowInfo) error {
	c, err := connectX11(s.display)
	if err != nil {
		return err
	}
	defer c.close()

	netActiveWindow, err := c.internAtom("_NET_ACTIVE_WINDOW")
	if err != nil {
		return err
	}
	if err := c.selectPropertyChanges(c.root); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			return fmt.Errorf("focus: X11 run: %w", err)
		case ev := <-c.events:
			code := ev[0] & 0x7f
			if code != eventPropertyNotify {
				continue
			}
			atom := binary.LittleEndian.Uint32(ev[8:12])
			if atom != netActiveWindow {
				continue
			}
			win, err := s.activeWindow(c, netActiveWindow)
			if err != nil {
				return fmt.Errorf("focus: X11 run: %w", err)
			}
			info, err := s.windowInfo(c, win)
			if err != nil {
				return fmt.Errorf("focus: X11 run: %w", err)
			}
			select {
			case sink <- info:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
