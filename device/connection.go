package device

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/mdp/dispatch"
	"github.com/temoto/mdp/helpers"
	"github.com/temoto/mdp/helpers/atomic_clock"
	"github.com/temoto/mdp/ingest"
	"github.com/temoto/mdp/log2"
	"github.com/temoto/mdp/mdp"
	"github.com/temoto/mdp/transport"
)

const (
	DefaultHeartbeat           = 30 * time.Second
	DefaultCorruptionThreshold = 5
	DefaultReconnectMax        = 10
	DefaultReconnectDelay      = 1 * time.Second
	DefaultReconnectDelayMax   = 60 * time.Second
	DefaultReadBuffer          = 256
)

type ConnectionOptions struct {
	// No valid frame for this long turns Connected into Degraded.
	Heartbeat time.Duration
	// Frame errors within one Heartbeat period to turn Degraded.
	CorruptionThreshold int
	// Consecutive failed attempts before connection stays Disconnected. <0 = unlimited.
	ReconnectMax     int
	ReconnectBackoff helpers.Backoff
	ReadBuffer       int
	OnStateChange    func(deviceID string, from, to State)
}

func (o *ConnectionOptions) setDefaults() {
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.CorruptionThreshold <= 0 {
		o.CorruptionThreshold = DefaultCorruptionThreshold
	}
	if o.ReconnectMax == 0 {
		o.ReconnectMax = DefaultReconnectMax
	}
	if o.ReconnectBackoff.Min == 0 {
		o.ReconnectBackoff.Min = DefaultReconnectDelay
	}
	if o.ReconnectBackoff.Max == 0 {
		o.ReconnectBackoff.Max = DefaultReconnectDelayMax
	}
	if o.ReconnectBackoff.K == 0 {
		o.ReconnectBackoff.K = 2
	}
	if o.ReadBuffer <= 0 {
		o.ReadBuffer = DefaultReadBuffer
	}
}

// handlers receive decoded device messages, called from receive loop.
type handlers struct {
	ack    func(deviceID string, ack mdp.Ack) bool
	record func(r ingest.Record) ingest.Outcome
}

// Connection owns transport channel of one device and keeps it open.
// Receive loop, heartbeat monitor and reconnects run in background
// until Close.
type Connection struct {
	deviceID   string
	identifier string
	opt        ConnectionOptions
	opener     transport.Opener
	h          handlers
	log        *log2.Log
	alive      *alive.Alive
	stat       Stat
	backoff    helpers.Backoff

	lastActivity atomic_clock.Clock
	lastErr      helpers.AtomicError
	running      int32 // connect loop

	// receive loop only
	decoder         *mdp.Decoder
	corruptCount    int
	corruptWindow   time.Time
	corruptDegraded bool

	stmu    sync.Mutex
	state   State
	changed chan struct{}

	chmu sync.Mutex
	ch   transport.Channel
	w    io.Writer
	wmu  sync.Mutex
}

func newConnection(deviceID, identifier string, opener transport.Opener, opt ConnectionOptions, h handlers, log *log2.Log) *Connection {
	opt.setDefaults()
	c := &Connection{
		deviceID:   deviceID,
		identifier: identifier,
		opt:        opt,
		opener:     opener,
		h:          h,
		log:        log,
		alive:      alive.NewAlive(),
		backoff:    opt.ReconnectBackoff,
		decoder:    mdp.NewDecoder(),
		state:      StateDisconnected,
		changed:    make(chan struct{}),
	}
	c.backoff.Reset()
	return c
}

func (c *Connection) DeviceID() string   { return c.deviceID }
func (c *Connection) Identifier() string { return c.identifier }
func (c *Connection) Stat() *Stat        { return &c.stat }

func (c *Connection) State() State {
	c.stmu.Lock()
	defer c.stmu.Unlock()
	return c.state
}

// LastError is the most recent transport failure, nil if none.
func (c *Connection) LastError() error {
	err, _ := c.lastErr.Load()
	return err
}

// LastActivity is time of last valid frame.
func (c *Connection) LastActivity() time.Time {
	if c.lastActivity.IsZero() {
		return time.Time{}
	}
	return c.lastActivity.Time()
}

func (c *Connection) SinceLastActivity() time.Duration { return atomic_clock.Since(&c.lastActivity) }

// ReconnectAttempts counts consecutive failures since last successful open.
func (c *Connection) ReconnectAttempts() int { return c.backoff.Failures() }

// WaitState blocks until connection reaches state or ctx is done.
func (c *Connection) WaitState(ctx context.Context, want State) error {
	for {
		c.stmu.Lock()
		s, ch := c.state, c.changed
		c.stmu.Unlock()
		if s == want {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Annotatef(ctx.Err(), "device=%s wait state=%s current=%s", c.deviceID, want, s)
		}
	}
}

// start runs connect loop unless it is already running.
// Returns false if connection is closed.
func (c *Connection) start() bool {
	if !c.alive.IsRunning() {
		return false
	}
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return true
	}
	if !c.alive.Add(2) {
		atomic.StoreInt32(&c.running, 0)
		return false
	}
	c.backoff.Reset()
	done := make(chan struct{})
	go c.monitor(done)
	go c.loop(done)
	return true
}

// Close stops background work, releases transport. State becomes Closed.
func (c *Connection) Close() error {
	c.alive.Stop()
	err := c.closeChannel()
	c.alive.Wait()
	c.setState(StateClosed)
	return err
}

// send writes whole frame under write lock.
func (c *Connection) send(m *mdp.Message) error {
	frame, err := m.EncodeFrame()
	if err != nil {
		return errors.Annotatef(err, "device=%s encode", c.deviceID)
	}
	c.chmu.Lock()
	w := c.w
	c.chmu.Unlock()
	if w == nil || !c.State().Online() {
		return errors.Annotatef(dispatch.ErrDeviceDisconnected, "device=%s state=%s", c.deviceID, c.State())
	}

	c.wmu.Lock()
	err = helpers.WriteAll(w, frame)
	c.wmu.Unlock()
	if err != nil {
		err = errors.Wrapf(err, ErrTransportIO, "device=%s write err=%v", c.deviceID, err)
		c.lastErr.Store(err)
		// receive loop sees closed channel and reconnects
		_ = c.closeChannel()
		return err
	}
	c.stat.FramesOut.Add(1)
	if c.log.Enabled(log2.LDebug) {
		c.log.Debugf("device=%s send %s", c.deviceID, m.String())
	}
	return nil
}

// loop closes done on exit, monitor of the same run stops with it.
func (c *Connection) loop(done chan<- struct{}) {
	defer c.alive.Done()
	defer close(done)
	defer atomic.StoreInt32(&c.running, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	for c.alive.IsRunning() {
		c.setState(StateConnecting)
		ch, err := c.opener.Open(ctx, c.identifier)
		if err != nil {
			if !c.alive.IsRunning() {
				return
			}
			err = errors.Wrapf(err, ErrTransportOpenFailed, "device=%s identifier=%s err=%v", c.deviceID, c.identifier, err)
			c.lastErr.Store(err)
			c.stat.OpenFailures.Add(1)
			c.log.Error(err)
			c.setState(StateDisconnected)
			if !c.retry() {
				return
			}
			continue
		}

		if !c.setChannel(ch) {
			_ = ch.Close()
			return
		}
		c.backoff.Reset()
		c.decoder.Reset()
		c.corruptCount = 0
		c.corruptDegraded = false
		c.lastActivity.SetNow()
		c.stat.Connects.Add(1)
		c.log.Infof("device=%s connected identifier=%s", c.deviceID, c.identifier)
		c.setState(StateConnected)

		err = c.receive(ch)
		_ = c.closeChannel()
		if !c.alive.IsRunning() {
			return
		}
		c.stat.Disconnects.Add(1)
		if err == nil {
			err = io.EOF
		}
		err = errors.Wrapf(err, ErrTransportIO, "device=%s read err=%v", c.deviceID, err)
		c.lastErr.Store(err)
		c.log.Error(err)
		c.setState(StateDisconnected)
		if !c.retry() {
			return
		}
	}
}

// retry waits backoff delay. Returns false when reconnect limit is hit or connection is closed.
func (c *Connection) retry() bool {
	c.backoff.Failure()
	if c.opt.ReconnectMax > 0 && c.backoff.Failures() > c.opt.ReconnectMax {
		c.log.Errorf("device=%s reconnect limit=%d reached, staying disconnected", c.deviceID, c.opt.ReconnectMax)
		return false
	}
	delay := c.backoff.DelayBefore()
	c.log.Debugf("device=%s reconnect attempt=%d delay=%v", c.deviceID, c.backoff.Failures(), delay)
	select {
	case <-time.After(delay):
		return c.alive.IsRunning()
	case <-c.alive.StopChan():
		return false
	}
}

func (c *Connection) receive(ch transport.Channel) error {
	r := helpers.NewStatReader(ch, &c.stat.BytesIn)
	buf := make([]byte, c.opt.ReadBuffer)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.decoder.Feed(buf[:n], c.onFrame)
		}
		if err != nil {
			return err
		}
		if !c.alive.IsRunning() {
			return nil
		}
	}
}

func (c *Connection) onFrame(payload []byte, err error) {
	if err != nil {
		c.onCorrupt(err)
		return
	}
	c.stat.FramesIn.Add(1)
	c.lastActivity.SetNow()
	// corruption degrade holds until its window expires
	if !c.corruptDegraded || time.Since(c.corruptWindow) > c.opt.Heartbeat {
		c.corruptDegraded = false
		c.compareAndSetState(StateDegraded, StateConnected)
	}

	var m mdp.Message
	if err := m.Parse(payload); err != nil {
		c.stat.MessageErrors.Add(1)
		c.log.Errorf("device=%s message err=%v", c.deviceID, errors.ErrorStack(err))
		return
	}
	if m.DeviceID != c.deviceID {
		c.stat.Unrouted.Add(1)
		c.log.Errorf("device=%s unexpected device id in %s", c.deviceID, m.String())
		return
	}
	if c.log.Enabled(log2.LDebug) {
		c.log.Debugf("device=%s recv %s", c.deviceID, m.String())
	}

	switch m.Type {
	case mdp.TypeAck:
		c.stat.Acks.Add(1)
		c.h.ack(c.deviceID, m.Ack)
	case mdp.TypeTelemetry, mdp.TypeEvent:
		if m.Type == mdp.TypeEvent {
			c.stat.Events.Add(1)
		} else {
			c.stat.Telemetry.Add(1)
		}
		if c.h.record(ingest.RecordFromMessage(&m)) == ingest.DuplicateDropped {
			c.stat.Duplicates.Add(1)
		}
	default:
		c.stat.Unrouted.Add(1)
		c.log.Debugf("device=%s ignore %s", c.deviceID, m.Type)
	}
}

func (c *Connection) onCorrupt(err error) {
	c.stat.Corrupt.Add(1)
	switch errors.Cause(err) {
	case mdp.ErrChecksumMismatch:
		c.stat.ChecksumErrors.Add(1)
	case mdp.ErrOversized:
		c.stat.Resync.Add(1)
	default:
		c.stat.Malformed.Add(1)
	}
	c.log.Debugf("device=%s frame err=%v", c.deviceID, err)

	now := time.Now()
	if now.Sub(c.corruptWindow) > c.opt.Heartbeat {
		c.corruptWindow = now
		c.corruptCount = 0
	}
	c.corruptCount++
	if c.corruptCount >= c.opt.CorruptionThreshold {
		if c.compareAndSetState(StateConnected, StateDegraded) {
			c.stat.Degraded.Add(1)
			c.log.Errorf("device=%s degraded corrupt=%d within=%v", c.deviceID, c.corruptCount, c.opt.Heartbeat)
		}
		c.corruptDegraded = c.State() == StateDegraded
	}
}

func (c *Connection) monitor(done <-chan struct{}) {
	defer c.alive.Done()
	tick := time.NewTicker(c.opt.Heartbeat / 4)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if c.State() != StateConnected {
				continue
			}
			if atomic_clock.Since(&c.lastActivity) > c.opt.Heartbeat {
				if c.compareAndSetState(StateConnected, StateDegraded) {
					c.stat.Degraded.Add(1)
					c.log.Errorf("device=%s degraded: no valid frame for %v", c.deviceID, c.opt.Heartbeat)
				}
			}
		case <-done:
			return
		case <-c.alive.StopChan():
			return
		}
	}
}

// setChannel returns false after Close, caller owns ch then.
func (c *Connection) setChannel(ch transport.Channel) bool {
	c.chmu.Lock()
	defer c.chmu.Unlock()
	if !c.alive.IsRunning() {
		return false
	}
	c.ch = ch
	c.w = helpers.NewStatWriter(ch, &c.stat.BytesOut)
	return true
}

func (c *Connection) closeChannel() error {
	c.chmu.Lock()
	ch := c.ch
	c.ch, c.w = nil, nil
	c.chmu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Close()
}

func (c *Connection) setState(s State) { c.transition(func(State) bool { return true }, s) }

func (c *Connection) compareAndSetState(old, new State) bool {
	return c.transition(func(cur State) bool { return cur == old }, new)
}

// Closed is terminal.
func (c *Connection) transition(cond func(State) bool, to State) bool {
	c.stmu.Lock()
	from := c.state
	if from == to || from == StateClosed || !cond(from) {
		c.stmu.Unlock()
		return false
	}
	c.state = to
	close(c.changed)
	c.changed = make(chan struct{})
	c.stmu.Unlock()

	c.log.Debugf("device=%s state %s -> %s", c.deviceID, from, to)
	if f := c.opt.OnStateChange; f != nil {
		f(c.deviceID, from, to)
	}
	return true
}
