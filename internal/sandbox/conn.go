package sandbox

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jkaninda/hookd/internal/protocol"
)

// Conn is the message channel to one worker plus control over its lifetime.
type Conn interface {
	// Send writes one message to the worker.
	Send(env *protocol.Envelope) error
	// Messages delivers decoded messages from the worker, in order.
	Messages() <-chan *protocol.Envelope
	// Done is closed once the worker has exited or the channel has failed.
	Done() <-chan struct{}
	// Err reports why Done was closed. Valid after Done.
	Err() error
	// Kill terminates the worker immediately.
	Kill() error
	// PID identifies the worker for logs. Zero when not an OS process.
	PID() int
}

// StreamConfig wires a StreamConn to a running worker.
type StreamConfig struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	// Kill forcibly ends the worker.
	Kill func() error
	// Wait blocks until the worker has exited and reports how.
	Wait func() error
	PID  int
}

// StreamConn speaks the NDJSON protocol over a worker's stdin and stdout.
type StreamConn struct {
	stdin  io.WriteCloser
	writer *protocol.Writer
	kill   func() error
	wait   func() error
	pid    int

	msgs   chan *protocol.Envelope
	done   chan struct{}
	closed chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// NewStreamConn starts reading from cfg.Stdout.
func NewStreamConn(cfg StreamConfig) *StreamConn {
	c := &StreamConn{
		stdin:  cfg.Stdin,
		writer: protocol.NewWriter(cfg.Stdin),
		kill:   cfg.Kill,
		wait:   cfg.Wait,
		pid:    cfg.PID,
		msgs:   make(chan *protocol.Envelope, 64),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go c.readLoop(protocol.NewReader(cfg.Stdout))
	return c
}

func (c *StreamConn) readLoop(r *protocol.Reader) {
	var readErr error
	for {
		env, err := r.Read()
		if err != nil {
			readErr = err
			break
		}
		select {
		case c.msgs <- env:
		case <-c.closed:
			// Nobody is listening any more; drain until the worker goes away.
		}
	}
	close(c.msgs)

	// Once stdout is gone the worker cannot make progress; make sure it exits.
	var waitErr error
	if c.wait != nil {
		if !errors.Is(readErr, io.EOF) && c.kill != nil {
			_ = c.kill()
		}
		waitErr = c.wait()
	}

	c.mu.Lock()
	switch {
	case waitErr != nil:
		c.err = waitErr
	case readErr != nil && !errors.Is(readErr, io.EOF):
		c.err = readErr
	default:
		c.err = io.ErrUnexpectedEOF
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *StreamConn) Send(env *protocol.Envelope) error {
	select {
	case <-c.done:
		return fmt.Errorf("worker channel closed: %w", c.Err())
	default:
	}
	return c.writer.Write(env)
}

func (c *StreamConn) Messages() <-chan *protocol.Envelope { return c.msgs }

func (c *StreamConn) Done() <-chan struct{} { return c.done }

func (c *StreamConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Kill stops delivering messages, closes stdin and kills the worker.
func (c *StreamConn) Kill() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.stdin.Close()
		if c.kill != nil {
			err = c.kill()
		}
	})
	return err
}

func (c *StreamConn) PID() int { return c.pid }
