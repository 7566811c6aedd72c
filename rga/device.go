package rga

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// Baud is the fixed line speed of the RGA RS232 port
const Baud = 28800

// Device is a Transport to a physical RGA head via serial device or a tcp serial bridge
type Device struct {
	conn  io.ReadWriteCloser
	r     *bufio.Reader
	wlock sync.Mutex
	rlock sync.Mutex

	link      string
	connected bool
	done      chan struct{}
	lines     chan []byte
	errc      chan error
	err       error
}

// Dial connects to link, see Connect
func Dial(link string) (*Device, error) {
	o := &Device{}
	if err := o.Connect(link); err != nil {
		return nil, err
	}
	return o, nil
}

// Connect attaches to the RGA via serial device or a tcp socket.
// Use socket://host:port or tcp://host:port for a serial bridge, a device path
// or file:// url for a local port.
func (o *Device) Connect(link string) error {
	o.rlock.Lock()
	o.wlock.Lock()
	defer o.rlock.Unlock()
	defer o.wlock.Unlock()

	o.connected = false
	conn, err := openLink(link)
	if err != nil {
		return err
	}
	o.conn = conn
	o.link = link
	o.connected = true
	o.err = nil
	o.done = make(chan struct{})
	o.lines = make(chan []byte, 16)
	o.errc = make(chan error, 1)
	o.r = bufio.NewReader(o.conn)

	go o.readLoop(o.r, o.lines, o.errc, o.done)

	log.Debugf("Connected to %v", link)
	return nil
}

// dialTimeout bounds the tcp connect to a serial bridge
const dialTimeout = 10 * time.Second

func openLink(link string) (io.ReadWriteCloser, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "socket", "tcp":
		c, err := net.DialTimeout("tcp", u.Host, dialTimeout)
		if err != nil {
			return nil, err
		}
		if tc, ok := c.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(30 * time.Second)
		}
		return c, nil
	case "file", "":
		// 28800 8N1, the head has no other settings
		return serial.OpenPort(&serial.Config{Name: u.Path, Baud: Baud, Size: 8, Parity: serial.ParityNone, StopBits: serial.Stop1})
	}
	return nil, fmt.Errorf("%w: unsupported link %q, use a device path, file://, socket:// or tcp://", ErrTransport, link)
}

// Reconnect closes and reopens the last link
func (o *Device) Reconnect() error {
	o.Close()
	return o.Connect(o.link)
}

// readLoop splits the byte stream at '\n'. The device terminates lines with
// "\n\r", the stray '\r' ends up at the start of the next line.
func (o *Device) readLoop(r *bufio.Reader, lines chan<- []byte, errc chan<- error, done <-chan struct{}) {
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			select {
			case errc <- err:
			case <-done:
			}
			return
		}
		select {
		case lines <- line:
		case <-done:
			log.Debugf("Closing, returning from reading loop goroutine")
			return
		}
	}
}

// ReadLine returns the next reply line or a timeout error
func (o *Device) ReadLine(timeout time.Duration) ([]byte, error) {
	o.rlock.Lock()
	defer o.rlock.Unlock()

	if !o.connected {
		return nil, io.EOF
	}
	if o.err != nil {
		return nil, o.err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case line := <-o.lines:
		log.Debugf("Read b='%# x'", line)
		return line, nil
	case err := <-o.errc:
		o.err = err
		log.Errorf("Read failed: %v", err)
		return nil, err
	case <-o.done:
		return nil, io.EOF
	case <-t.C:
		return nil, timeoutError{}
	}
}

// maxDrain bounds Drain on a line that keeps talking
const maxDrain = 64

// Drain discards lines that arrived after their command timed out, then waits
// until the line has been quiet for settle
func (o *Device) Drain(settle time.Duration) error {
	o.rlock.Lock()
	defer o.rlock.Unlock()

	if !o.connected {
		return io.EOF
	}
	n := 0
	defer func() {
		if n > 0 {
			log.Debugf("Drained %v stale lines", n)
		}
	}()

	if settle <= 0 {
		for {
			select {
			case line := <-o.lines:
				log.Debugf("Drained b='%# x'", line)
				n++
			default:
				return nil
			}
		}
	}

	t := time.NewTimer(settle)
	defer t.Stop()
	for n < maxDrain {
		select {
		case line := <-o.lines:
			log.Debugf("Drained b='%# x'", line)
			n++
			if !t.Stop() {
				<-t.C
			}
			t.Reset(settle)
		case err := <-o.errc:
			o.err = err
			return err
		case <-o.done:
			return io.EOF
		case <-t.C:
			return nil
		}
	}
	return fmt.Errorf("%w: input did not settle after %v lines", ErrTransport, n)
}

func (o *Device) Write(b []byte) (int, error) {
	o.wlock.Lock()
	defer o.wlock.Unlock()
	if !o.connected {
		return 0, io.EOF
	}
	select {
	case <-o.done:
		return 0, io.EOF
	default:
		n, err := o.conn.Write(b)
		log.Debugf("Write b='%# x', n=%v, err=%v", b, n, err)
		return n, err
	}
}

// Close closes Device, closing underlying connection via serial or network
func (o *Device) Close() error {
	o.rlock.Lock()
	o.wlock.Lock()
	defer o.rlock.Unlock()
	defer o.wlock.Unlock()

	if !o.connected {
		return io.ErrClosedPipe
	}
	close(o.done)
	o.connected = false
	return o.conn.Close()
}
