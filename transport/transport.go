// Package transport opens byte oriented duplex links to devices.
// Identifier forms:
//
//	/dev/ttyUSB0                          serial port, default baud
//	serial:///dev/ttyUSB0?baud=115200     serial port
//	tcp://10.0.0.5:4001                   serial-over-TCP bridge (ser2net, radio gateway)
package transport

import (
	"context"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/mdp/log2"
	"go.bug.st/serial"
)

const (
	DefaultBaud        = 115200
	DefaultReadTimeout = 200 * time.Millisecond
	DefaultDialTimeout = 10 * time.Second
)

// Channel is a duplex byte link.
// Read may return 0, nil when no data arrived within read timeout.
// Close must unblock pending Read.
type Channel interface {
	io.ReadWriteCloser
}

type Opener interface {
	Open(ctx context.Context, identifier string) (Channel, error)
}

type OpenerFunc func(ctx context.Context, identifier string) (Channel, error)

func (f OpenerFunc) Open(ctx context.Context, identifier string) (Channel, error) {
	return f(ctx, identifier)
}

type Options struct {
	Log         *log2.Log
	Baud        int
	ReadTimeout time.Duration
	DialTimeout time.Duration
}

// Dialer is production Opener.
type Dialer struct {
	opt Options
}

func NewDialer(opt Options) *Dialer {
	if opt.Baud == 0 {
		opt.Baud = DefaultBaud
	}
	if opt.ReadTimeout == 0 {
		opt.ReadTimeout = DefaultReadTimeout
	}
	if opt.DialTimeout == 0 {
		opt.DialTimeout = DefaultDialTimeout
	}
	return &Dialer{opt: opt}
}

type Target struct {
	Scheme string // serial or tcp
	Addr   string // device path or host:port
	Baud   int
}

func ParseIdentifier(identifier string, defaultBaud int) (Target, error) {
	t := Target{Baud: defaultBaud}
	if identifier == "" {
		return t, errors.NotValidf("transport identifier empty")
	}
	if !strings.Contains(identifier, "://") {
		t.Scheme = "serial"
		t.Addr = identifier
		return t, nil
	}
	u, err := url.Parse(identifier)
	if err != nil {
		return t, errors.Annotatef(err, "transport identifier=%s", identifier)
	}
	t.Scheme = u.Scheme
	switch u.Scheme {
	case "serial":
		t.Addr = u.Host + u.Path
	case "tcp":
		t.Addr = u.Host
	default:
		return t, errors.NotSupportedf("transport scheme=%s", u.Scheme)
	}
	if t.Addr == "" {
		return t, errors.NotValidf("transport identifier=%s address empty", identifier)
	}
	if s := u.Query().Get("baud"); s != "" {
		if t.Baud, err = strconv.Atoi(s); err != nil || t.Baud <= 0 {
			return t, errors.NotValidf("transport identifier=%s baud=%s", identifier, s)
		}
	}
	return t, nil
}

func (d *Dialer) Open(ctx context.Context, identifier string) (Channel, error) {
	target, err := ParseIdentifier(identifier, d.opt.Baud)
	if err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	d.opt.Log.Debugf("transport open scheme=%s addr=%s baud=%d", target.Scheme, target.Addr, target.Baud)
	switch target.Scheme {
	case "serial":
		return openSerial(target, d.opt.ReadTimeout)
	case "tcp":
		return dialTCP(ctx, target, d.opt)
	}
	panic("code error unhandled scheme=" + target.Scheme)
}

func openSerial(target Target, readTimeout time.Duration) (Channel, error) {
	mode := &serial.Mode{
		BaudRate: target.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(target.Addr, mode)
	if err != nil {
		return nil, errors.Annotatef(err, "serial open path=%s", target.Addr)
	}
	if err = port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, errors.Annotatef(err, "serial set read timeout path=%s", target.Addr)
	}
	// drop stale bytes from before we were listening
	_ = port.ResetInputBuffer()
	return port, nil
}

type tcpChannel struct {
	net.Conn
	readTimeout time.Duration
}

func dialTCP(ctx context.Context, target Target, opt Options) (Channel, error) {
	dialer := net.Dialer{Timeout: opt.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.Addr)
	if err != nil {
		return nil, errors.Annotatef(err, "tcp dial addr=%s", target.Addr)
	}
	return &tcpChannel{Conn: conn, readTimeout: opt.ReadTimeout}, nil
}

// Read converts deadline timeout into (n, nil) to match serial semantics.
func (c *tcpChannel) Read(p []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := c.Conn.Read(p)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return n, nil
	}
	return n, err
}
