package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

const eventBuffer = 64

// streamTransport runs MQTT over any ordered byte stream.
type streamTransport struct {
	rw    io.ReadWriteCloser
	codec codec
	log   logr.Logger

	events chan Packet
	stop   chan struct{}
	done   chan struct{}

	writeMu   sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
	failOnce  sync.Once
	failErr   error

	keepAlive   time.Duration
	pingTimeout time.Duration
	lastWrite   atomic.Int64
	pingSent    atomic.Int64
}

// NewStream wraps an established connection. Most callers want NetDialer.
func NewStream(rw io.ReadWriteCloser, opts Options) (Transport, error) {
	c, err := newCodec(opts.ProtocolVersion)
	if err != nil {
		return nil, err
	}
	return newStreamTransport(rw, c, opts), nil
}

func newStreamTransport(rw io.ReadWriteCloser, c codec, opts Options) *streamTransport {
	t := &streamTransport{
		rw:          rw,
		codec:       c,
		log:         opts.Logger,
		events:      make(chan Packet, eventBuffer),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		keepAlive:   opts.KeepAlive,
		pingTimeout: opts.PingTimeout,
	}
	if t.pingTimeout <= 0 {
		t.pingTimeout = t.keepAlive
	}
	t.lastWrite.Store(time.Now().UnixNano())

	go t.readLoop()
	if t.keepAlive > 0 {
		go t.pingLoop()
	}
	return t
}

func (t *streamTransport) Events() <-chan Packet { return t.events }

func (t *streamTransport) Send(p Packet) error {
	if t.closing.Load() {
		return ErrClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.codec.encode(t.rw, p); err != nil {
		if errors.Is(err, ErrUnsupportedPacket) {
			return err
		}
		t.fail(fmt.Errorf("write %s: %w", p.Kind(), err))
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	t.lastWrite.Store(time.Now().UnixNano())
	t.log.V(2).Info("Sent packet", "kind", p.Kind().String())
	return nil
}

// Close tears the stream down and waits for the reader to stop. No Lost event
// is emitted for a locally requested close.
func (t *streamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closing.Store(true)
		close(t.stop)
		err = t.rw.Close()
	})
	<-t.done
	return err
}

// fail records the first failure reason and forces the reader to stop.
func (t *streamTransport) fail(err error) {
	t.failOnce.Do(func() {
		t.failErr = err
		_ = t.rw.Close()
	})
}

func (t *streamTransport) readLoop() {
	defer close(t.done)
	defer close(t.events)

	r := bufio.NewReader(t.rw)
	for {
		p, err := t.codec.decode(r)
		if err != nil {
			t.lost(err)
			return
		}

		switch p := p.(type) {
		case *PingResp:
			t.pingSent.Store(0)
			continue
		case *Disconnect:
			t.fail(fmt.Errorf("%w: reason 0x%02x", ErrServerDisconnect, p.ReasonCode))
			t.lost(nil)
			return
		}

		select {
		case t.events <- p:
		case <-t.stop:
			return
		}
	}
}

func (t *streamTransport) lost(readErr error) {
	if t.closing.Load() {
		return
	}
	t.fail(readErr)
	err := t.failErr
	if err == nil {
		err = io.EOF
	}
	t.log.V(1).Info("Transport lost", "reason", err.Error())

	select {
	case t.events <- &Lost{Err: err}:
	case <-t.stop:
	}
}

// pingLoop sends PINGREQ when nothing was written for half the keep-alive and
// fails the stream when a PINGRESP does not arrive within the ping timeout.
func (t *streamTransport) pingLoop() {
	ticker := time.NewTicker(t.keepAlive / 2)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-t.done:
			return
		case now := <-ticker.C:
			if sent := t.pingSent.Load(); sent != 0 {
				if now.Sub(time.Unix(0, sent)) > t.pingTimeout {
					t.fail(ErrPingTimeout)
					return
				}
				continue
			}

			idle := now.Sub(time.Unix(0, t.lastWrite.Load()))
			if idle < t.keepAlive/2 {
				continue
			}
			t.pingSent.Store(now.UnixNano())
			if err := t.Send(&PingReq{}); err != nil {
				return
			}
		}
	}
}
