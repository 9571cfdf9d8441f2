package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/mdp/helpers"
	"github.com/temoto/mdp/helpers/atomic_clock"
	"github.com/temoto/mdp/mdp"
)

var (
	ErrCommandTimedOut    = errors.New("command timed out")
	ErrCancelled          = errors.New("command cancelled")
	ErrDeviceDisconnected = errors.New("device disconnected")
	ErrClosed             = errors.New("dispatcher closed")
)

type Status int32

const (
	StatusPending Status = iota
	StatusInFlight
	StatusAcked
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in-flight"
	case StatusAcked:
		return "acked"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

func (s Status) Terminal() bool { return s >= StatusAcked }

// Result is terminal outcome delivered to submitter.
type Result struct {
	CommandID uint64
	DeviceID  string
	Seq       uint32
	Status    Status
	AckStatus mdp.AckStatus // valid with StatusAcked
	Attempts  int
	Err       error // nil only with StatusAcked
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("command=%d device=%s seq=%d status=%s attempts=%d err=%v",
			r.CommandID, r.DeviceID, r.Seq, r.Status.String(), r.Attempts, r.Err)
	}
	return fmt.Sprintf("command=%d device=%s seq=%d status=%s ack=%s attempts=%d",
		r.CommandID, r.DeviceID, r.Seq, r.Status.String(), r.AckStatus.String(), r.Attempts)
}

// command is owned by Dispatcher, Message never changes after Submit.
type command struct {
	id          uint64
	deviceID    string
	message     mdp.Message
	maxAttempts int
	createdAt   time.Time
	lastSent    atomic_clock.Clock

	mu       sync.Mutex
	status   Status
	attempts int
	sendErr  error

	ackch  chan mdp.Ack
	future *helpers.Future[Result]
}

func (c *command) setInFlight(attempt int) {
	c.mu.Lock()
	if !c.status.Terminal() {
		c.status = StatusInFlight
		c.attempts = attempt
	}
	c.mu.Unlock()
	c.lastSent.SetNow()
}

// finish is idempotent, first terminal status wins.
func (c *command) finish(status Status, ackStatus mdp.AckStatus, err error) (Result, bool) {
	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return Result{}, false
	}
	c.status = status
	r := Result{
		CommandID: c.id,
		DeviceID:  c.deviceID,
		Seq:       c.message.Seq,
		Status:    status,
		AckStatus: ackStatus,
		Attempts:  c.attempts,
		Err:       err,
	}
	c.mu.Unlock()
	if status == StatusCancelled {
		c.future.Cancel(r)
	} else {
		c.future.Complete(r)
	}
	return r, true
}

// Handle tracks submitted command.
type Handle struct {
	c *command
	d *Dispatcher
}

func (h *Handle) ID() uint64           { return h.c.id }
func (h *Handle) DeviceID() string     { return h.c.deviceID }
func (h *Handle) Seq() uint32          { return h.c.message.Seq }
func (h *Handle) Message() mdp.Message { return h.c.message }
func (h *Handle) CreatedAt() time.Time { return h.c.createdAt }

// LastSentAt is zero before first send.
func (h *Handle) LastSentAt() time.Time {
	if h.c.lastSent.IsZero() {
		return time.Time{}
	}
	return h.c.lastSent.Time()
}

func (h *Handle) Status() Status {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.c.status
}

func (h *Handle) Attempts() int {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.c.attempts
}

// Done is closed when result is available.
func (h *Handle) Done() <-chan struct{} { return h.c.future.Done() }

// Result waits for terminal outcome. Returned error is Result.Err or ctx error.
func (h *Handle) Result(ctx context.Context) (Result, error) {
	r, err := h.c.future.Wait(ctx)
	if err != nil {
		return Result{CommandID: h.c.id, DeviceID: h.c.deviceID, Seq: h.c.message.Seq, Status: h.Status()}, err
	}
	return r, r.Err
}

// Cancel aborts command unless it already finished.
func (h *Handle) Cancel() { h.d.cancelCommand(h.c, ErrCancelled) }
