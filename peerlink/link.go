// Package peerlink owns everything a node keeps per connected peer: the
// frame codecs, the outbound queues and the in-progress item transfers.
//
// Outbound frames sit in one FIFO per class. At most one frame is in flight
// at a time; when it completes the next frame is taken from the highest
// priority non-empty class. A failed frame is retried after a fixed backoff.
// A transport that is temporarily unable to accept frames returns
// ErrNotReady and later calls Ready, at which point sending resumes.
package peerlink

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/blemesh/item"
	"github.com/user/blemesh/logger"
	"github.com/user/blemesh/transfer"
	"github.com/user/blemesh/trunk"
)

// DefaultRetryBackoff is the pause before a failed frame is sent again.
const DefaultRetryBackoff = 100 * time.Millisecond

var (
	// ErrNotReady is returned by a Transmitter whose outbound buffer is full.
	ErrNotReady = errors.New("peerlink: transport not ready")
	// ErrClosed is returned when sending on a closed link.
	ErrClosed = errors.New("peerlink: link closed")
	// ErrInvalidClass is returned for an unknown message class.
	ErrInvalidClass = errors.New("peerlink: invalid message class")
	// ErrRetriesExhausted is reported when a frame failed MaxRetries times.
	ErrRetriesExhausted = errors.New("peerlink: retries exhausted")
)

// Transmitter hands one frame to the transport.
type Transmitter interface {
	Transmit(class Class, frame []byte) error
}

// TransmitterFunc adapts a function to Transmitter.
type TransmitterFunc func(class Class, frame []byte) error

func (f TransmitterFunc) Transmit(class Class, frame []byte) error {
	return f(class, frame)
}

// Config tunes a link. The zero value is usable.
type Config struct {
	MTU          int
	Cipher       trunk.Cipher
	RetryBackoff time.Duration
	// MaxRetries bounds consecutive failures of one frame; 0 retries forever.
	MaxRetries int
	Metrics    *Metrics
	// OnDegraded is called once, from the sending goroutine, when the link
	// gives up on a frame. The link is already closed at that point.
	OnDegraded func(peer string, err error)
}

// Link is safe for concurrent use.
type Link struct {
	peer    string
	role    Role
	tx      Transmitter
	cfg     Config
	metrics *Metrics

	mu       sync.Mutex
	queues   [numClasses][][]byte
	sending  bool
	stalled  bool
	closed   bool
	attempts int
	// readies counts Ready calls so a stall racing a Ready is not lost.
	readies uint64
	done    chan struct{}

	out [numClasses]*trunk.Codec
	in  [numClasses]*trunk.Codec

	transfersMu sync.Mutex
	receiving   map[item.Key]*transfer.Receiving
	outgoing    map[item.Key]*transfer.Sending
}

// New creates an idle link to peer.
func New(peer string, role Role, tx Transmitter, cfg Config) *Link {
	if cfg.MTU == 0 {
		cfg.MTU = trunk.DefaultMTU
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	l := &Link{
		peer:      peer,
		role:      role,
		tx:        tx,
		cfg:       cfg,
		metrics:   cfg.Metrics,
		done:      make(chan struct{}),
		receiving: make(map[item.Key]*transfer.Receiving),
		outgoing:  make(map[item.Key]*transfer.Sending),
	}
	for _, c := range Classes {
		l.out[c] = trunk.NewCodec(cfg.MTU, cfg.Cipher)
		l.in[c] = trunk.NewCodec(cfg.MTU, cfg.Cipher)
	}
	return l
}

func (l *Link) Peer() string { return l.peer }

func (l *Link) Role() Role { return l.role }

// MTU returns the frame size used for outbound messages.
func (l *Link) MTU() int {
	return l.out[ClassInventory].MTU()
}

// SetMTU updates every codec of the link.
func (l *Link) SetMTU(mtu int) {
	for _, c := range Classes {
		l.out[c].SetMTU(mtu)
		l.in[c].SetMTU(mtu)
	}
}

// Send splits message into frames and queues them.
func (l *Link) Send(class Class, message []byte) error {
	if !class.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidClass, class)
	}
	frames, err := l.out[class].Split(message)
	if err != nil {
		return err
	}
	return l.Enqueue(class, frames)
}

// Receive feeds one inbound frame to the codec of its class and returns the
// complete message once all its frames arrived.
func (l *Link) Receive(class Class, frame []byte) ([]byte, error) {
	if !class.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidClass, class)
	}
	return l.in[class].Append(frame)
}

// Enqueue appends frames to the queue of class and starts sending if the
// link was idle. Appending and claiming the idle link happen atomically.
func (l *Link) Enqueue(class Class, frames [][]byte) error {
	if !class.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidClass, class)
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queues[class] = append(l.queues[class], frames...)
	kick := l.claimLocked()
	l.mu.Unlock()

	logger.Trace(l.peer, "queued %d %s frames", len(frames), class)
	if kick {
		go l.run()
	}
	return nil
}

// Ready resumes sending after the transmitter returned ErrNotReady.
func (l *Link) Ready() {
	l.mu.Lock()
	l.stalled = false
	l.readies++
	kick := l.claimLocked()
	l.mu.Unlock()
	if kick {
		logger.Trace(l.peer, "transport ready, resuming")
		go l.run()
	}
}

// claimLocked moves an idle link with queued frames to sending.
func (l *Link) claimLocked() bool {
	if l.sending || l.stalled || l.closed || l.pendingLocked() == 0 {
		return false
	}
	l.sending = true
	return true
}

func (l *Link) pendingLocked() int {
	n := 0
	for _, q := range l.queues {
		n += len(q)
	}
	return n
}

// Pending returns the number of queued frames, including one in flight.
func (l *Link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingLocked()
}

// Idle reports whether nothing is being sent.
func (l *Link) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.sending
}

// Closed reports whether the link was closed.
func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// nextLocked returns the head frame of the highest priority non-empty class.
func (l *Link) nextLocked() (Class, []byte, bool) {
	for _, c := range Classes {
		if len(l.queues[c]) > 0 {
			return c, l.queues[c][0], true
		}
	}
	return 0, nil, false
}

func (l *Link) run() {
	retrying := false
	var class Class
	var frame []byte
	var readies uint64

	for {
		l.mu.Lock()
		if l.closed {
			l.sending = false
			l.mu.Unlock()
			return
		}
		if !retrying {
			var ok bool
			class, frame, ok = l.nextLocked()
			if !ok {
				l.sending = false
				l.mu.Unlock()
				return
			}
		}
		readies = l.readies
		l.mu.Unlock()

		err := l.tx.Transmit(class, frame)

		l.mu.Lock()
		if l.closed {
			l.sending = false
			l.mu.Unlock()
			return
		}
		switch {
		case err == nil:
			l.queues[class][0] = nil
			l.queues[class] = l.queues[class][1:]
			l.attempts = 0
			retrying = false
			l.mu.Unlock()
			l.metrics.FramesSent.Inc()

		case errors.Is(err, ErrNotReady):
			l.metrics.NotReady.Inc()
			if l.readies != readies {
				// became ready while we were transmitting
				retrying = false
				l.mu.Unlock()
				continue
			}
			l.stalled = true
			l.sending = false
			l.mu.Unlock()
			logger.Trace(l.peer, "transport not ready, waiting")
			return

		default:
			l.attempts++
			attempts := l.attempts
			l.mu.Unlock()
			l.metrics.FramesFailed.Inc()
			if l.cfg.MaxRetries > 0 && attempts > l.cfg.MaxRetries {
				l.degrade(fmt.Errorf("%w: %s frame after %d attempts: %v", ErrRetriesExhausted, class, attempts, err))
				return
			}
			logger.Debug(l.peer, "failed to send %s frame (attempt %d): %v", class, attempts, err)
			retrying = true
			select {
			case <-time.After(l.cfg.RetryBackoff):
			case <-l.done:
			}
		}
	}
}

func (l *Link) degrade(err error) {
	logger.Warn(l.peer, "giving up on link: %v", err)
	l.metrics.Degraded.Inc()
	l.Close()
	if l.cfg.OnDegraded != nil {
		l.cfg.OnDegraded(l.peer, err)
	}
}

// Close discards queued frames and outbound transfer state. Later sends
// fail with ErrClosed. Inbound transfers stay until DrainReceiving so the
// caller can release them. Close is idempotent.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	dropped := l.pendingLocked()
	for i := range l.queues {
		l.queues[i] = nil
	}
	close(l.done)
	l.mu.Unlock()

	if dropped > 0 {
		l.metrics.FramesDropped.Add(float64(dropped))
		logger.Debug(l.peer, "dropped %d queued frames", dropped)
	}

	l.transfersMu.Lock()
	l.outgoing = make(map[item.Key]*transfer.Sending)
	l.transfersMu.Unlock()
}
