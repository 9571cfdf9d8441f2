package device

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/mdp/dispatch"
	"github.com/temoto/mdp/helpers"
	"github.com/temoto/mdp/ingest"
	"github.com/temoto/mdp/log2"
	"github.com/temoto/mdp/mdp"
	"github.com/temoto/mdp/transport"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Log        *log2.Log
	Opener     transport.Opener
	Connection ConnectionOptions
	Dispatch   dispatch.Options
	Ingest     ingest.Options
}

// Manager owns device registry, command dispatcher and ingestion buffer.
// Closed connections stay in registry until Connect replaces them.
type Manager struct {
	opt        Options
	log        *log2.Log
	dispatcher *dispatch.Dispatcher
	buffer     *ingest.Buffer

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
}

var _ dispatch.Sender = &Manager{}

func NewManager(opt Options) *Manager {
	if opt.Opener == nil {
		opt.Opener = transport.NewDialer(transport.Options{Log: opt.Log})
	}
	if opt.Dispatch.Log == nil {
		opt.Dispatch.Log = opt.Log
	}
	if opt.Ingest.Log == nil {
		opt.Ingest.Log = opt.Log
	}
	m := &Manager{
		opt:   opt,
		log:   opt.Log,
		conns: make(map[string]*Connection),
	}
	m.dispatcher = dispatch.New(m, opt.Dispatch)
	m.buffer = ingest.New(opt.Ingest)
	return m
}

func (m *Manager) Dispatcher() *dispatch.Dispatcher { return m.dispatcher }
func (m *Manager) Buffer() *ingest.Buffer           { return m.buffer }

// Connect registers device and starts connecting in background.
// Use Connection(id).WaitState to wait for link.
// Repeated Connect with same identifier restarts connection that gave up reconnecting.
func (m *Manager) Connect(ctx context.Context, deviceID, identifier string) error {
	if err := ctx.Err(); err != nil {
		return errors.Annotatef(err, "device=%s connect", deviceID)
	}
	if err := mdp.ValidateDeviceID(deviceID); err != nil {
		return errors.Annotate(err, "connect")
	}
	if identifier == "" {
		return errors.NotValidf("device=%s empty transport identifier", deviceID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if c, ok := m.conns[deviceID]; ok && c.State() != StateClosed {
		if c.identifier != identifier {
			return errors.AlreadyExistsf("device=%s connected via %s", deviceID, c.identifier)
		}
		c.start()
		return nil
	}

	h := handlers{ack: m.dispatcher.HandleAck, record: m.buffer.Ingest}
	c := newConnection(deviceID, identifier, m.opt.Opener, m.opt.Connection, h, m.log)
	m.conns[deviceID] = c
	if !c.start() {
		return errors.Errorf("device=%s start failed", deviceID)
	}
	m.log.Debugf("device=%s registered identifier=%s", deviceID, identifier)
	return nil
}

// ConnectRegistry connects every registry device, returns all errors folded.
func (m *Manager) ConnectRegistry(ctx context.Context, reg Registry) error {
	devices := reg.Devices()
	errs := make([]error, 0)
	for _, id := range sortedKeys(devices) {
		if err := m.Connect(ctx, id, devices[id]); err != nil {
			errs = append(errs, err)
		}
	}
	return helpers.FoldErrors(errs)
}

// Disconnect stops receive loop, fails queued commands, releases transport.
// Connection state becomes Closed.
func (m *Manager) Disconnect(deviceID string) error {
	c := m.Connection(deviceID)
	if c == nil {
		return errors.Annotatef(ErrUnknownDevice, "device=%s", deviceID)
	}
	return m.disconnect(c)
}

func (m *Manager) disconnect(c *Connection) error {
	err := c.Close()
	n := m.dispatcher.CancelDevice(c.deviceID, dispatch.ErrDeviceDisconnected)
	m.buffer.Forget(c.deviceID)
	m.log.Infof("device=%s disconnected cancelled_commands=%d", c.deviceID, n)
	if err != nil {
		return errors.Annotatef(err, "device=%s close transport", c.deviceID)
	}
	return nil
}

// SubmitCommand enqueues command for registered device. Commands wait in queue
// while device is reconnecting.
func (m *Manager) SubmitCommand(deviceID string, cmd mdp.Command) (*dispatch.Handle, error) {
	c := m.Connection(deviceID)
	if c == nil {
		return nil, errors.Annotatef(ErrUnknownDevice, "device=%s", deviceID)
	}
	if c.State() == StateClosed {
		return nil, errors.Annotatef(dispatch.ErrDeviceDisconnected, "device=%s", deviceID)
	}
	return m.dispatcher.Submit(deviceID, cmd)
}

// Send implements dispatch.Sender.
func (m *Manager) Send(deviceID string, msg *mdp.Message) error {
	c := m.Connection(deviceID)
	if c == nil {
		return errors.Annotatef(dispatch.ErrDeviceDisconnected, "device=%s unknown", deviceID)
	}
	return c.send(msg)
}

// SubscribeTelemetry delivers flushed telemetry and event batches of all devices.
func (m *Manager) SubscribeTelemetry(fn ingest.Subscriber) func() {
	return m.buffer.Subscribe(fn)
}

// ConnectionState of unknown device is Disconnected.
func (m *Manager) ConnectionState(deviceID string) State {
	if c := m.Connection(deviceID); c != nil {
		return c.State()
	}
	return StateDisconnected
}

func (m *Manager) Connection(deviceID string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[deviceID]
}

// Devices returns sorted ids of registered devices.
func (m *Manager) Devices() []string {
	m.mu.Lock()
	ids := make(map[string]string, len(m.conns))
	for id, c := range m.conns {
		ids[id] = c.identifier
	}
	m.mu.Unlock()
	return sortedKeys(ids)
}

func (m *Manager) Stat(deviceID string) (*Stat, error) {
	c := m.Connection(deviceID)
	if c == nil {
		return nil, errors.Annotatef(ErrUnknownDevice, "device=%s", deviceID)
	}
	return c.Stat(), nil
}

// Close disconnects all devices in parallel, stops dispatcher, flushes buffer.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error { return m.disconnect(c) })
	}
	errs := []error{g.Wait()}
	m.dispatcher.Close()
	errs = append(errs, m.buffer.Close(ctx))
	return helpers.FoldErrors(errs)
}
