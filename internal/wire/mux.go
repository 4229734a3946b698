package wire

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// SessionHandler is called when a frame arrives for an unregistered
// session. The mux creates the session channel before calling the handler,
// which runs in its own goroutine and reads subsequent frames from ch.
type SessionHandler func(session uint32, ch <-chan Frame)

// Mux multiplexes transfer sessions over a single connection. One reader
// goroutine dispatches incoming frames to per-session channels; one writer
// goroutine serializes outgoing frames, batching them through a buffered
// writer that is flushed whenever the queue drains.
type Mux struct {
	conn       net.Conn
	err        error
	writeCh    chan Frame
	sessions   map[uint32]chan Frame
	handler    SessionHandler
	done       chan struct{}
	shutdownCh chan struct{}
	ioTimeout  time.Duration
	handlerWg  sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	waiters    int
}

// NewMux wraps a connection. ioTimeout, when non-zero, bounds every
// write. Reads are bounded the same way on the serving side (a handler
// is installed); a handler-less mux only arms a read deadline while a
// caller is blocked in Expect, since the peer is legitimately silent
// between request and reply. Call Run to start the loops.
func NewMux(conn net.Conn, ioTimeout time.Duration) *Mux {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true) // writer batches at the application level
	}
	return &Mux{
		conn:       conn,
		writeCh:    make(chan Frame, 256),
		sessions:   make(map[uint32]chan Frame),
		done:       make(chan struct{}),
		shutdownCh: make(chan struct{}),
		ioTimeout:  ioTimeout,
	}
}

// SetHandler installs the callback for frames on unknown sessions.
// Must be called before Run.
func (m *Mux) SetHandler(h SessionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// OpenSession registers a session and returns its receive channel.
// The caller must call Release when done; Run closes the channels of
// any sessions still registered when the connection settles.
func (m *Mux) OpenSession(id uint32) <-chan Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.sessions[id]; ok {
		return ch
	}
	ch := make(chan Frame, 64)
	m.sessions[id] = ch
	return ch
}

// Release drops a session without closing its channel, so the read
// loop can never send on a closed channel when a late frame for the
// session races the release. On a handling mux the late frame starts a
// fresh session; on a handler-less one it is dropped.
func (m *Mux) Release(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Expect arms the read deadline until the returned release is called,
// bounding the wait for one reply. Releasing is idempotent; the
// deadline is cleared once no waiters remain.
func (m *Mux) Expect() (release func()) {
	if m.ioTimeout <= 0 {
		return func() {}
	}
	m.mu.Lock()
	m.waiters++
	m.mu.Unlock()
	_ = m.conn.SetReadDeadline(time.Now().Add(m.ioTimeout))

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.waiters--
			idle := m.waiters == 0
			m.mu.Unlock()
			if idle {
				_ = m.conn.SetReadDeadline(time.Time{})
			}
		})
	}
}

// Send queues a frame for writing. The recover covers the race between the
// closed check and Run closing writeCh.
func (m *Mux) Send(f Frame) (sendErr error) {
	defer func() {
		if recover() != nil {
			sendErr = errors.New("mux closed")
		}
	}()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("mux closed")
	}
	m.mu.Unlock()

	select {
	case m.writeCh <- f:
		return nil
	case <-m.done:
		return errors.New("mux closed")
	}
}

// Run drives the reader and writer loops, blocking until the connection
// closes or either loop fails. A clean peer close returns nil.
func (m *Mux) Run() error {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- m.writeLoop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- m.readLoop()
	}()

	m.err = <-errCh

	m.conn.Close()
	close(m.done)

	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.writeCh)
	}
	m.mu.Unlock()

	wg.Wait()

	m.mu.Lock()
	for id, ch := range m.sessions {
		delete(m.sessions, id)
		close(ch)
	}
	m.mu.Unlock()

	// Handlers drain their closed channels and return before Run does,
	// so callers see a fully settled connection.
	m.handlerWg.Wait()

	if errors.Is(m.err, io.EOF) || errors.Is(m.err, net.ErrClosed) {
		return nil
	}
	return m.err
}

// Close drops the connection immediately.
func (m *Mux) Close() error {
	return m.conn.Close()
}

// Shutdown flushes queued frames before closing, so a final Ack or Error
// reaches the peer, then waits for Run to finish.
func (m *Mux) Shutdown() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
	}
	m.mu.Unlock()

	close(m.shutdownCh)
	<-m.done
}

// Done is closed when the mux has stopped.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Err returns the terminal error after Done is closed.
func (m *Mux) Err() error {
	return m.err
}

func (m *Mux) readLoop() error {
	m.mu.Lock()
	serving := m.handler != nil
	m.mu.Unlock()
	for {
		// Only the serving side keeps a standing read deadline; for a
		// handler-less mux the deadline belongs to Expect, and arming
		// one here would outlive the reply it was meant to bound.
		if serving && m.ioTimeout > 0 {
			_ = m.conn.SetReadDeadline(time.Now().Add(m.ioTimeout))
		}
		f, err := ReadFrame(m.conn)
		if err != nil {
			return err
		}

		m.mu.Lock()
		ch, ok := m.sessions[f.Session]
		handler := m.handler
		m.mu.Unlock()

		if ok {
			select {
			case ch <- f:
			case <-m.done:
				return nil
			}
			continue
		}

		if handler != nil {
			ch := make(chan Frame, 64)
			m.mu.Lock()
			m.sessions[f.Session] = ch
			m.mu.Unlock()

			ch <- f
			m.handlerWg.Add(1)
			go func() {
				defer m.handlerWg.Done()
				handler(f.Session, ch)
			}()
			continue
		}
		// No handler: drop the frame (forward compatibility).
	}
}

func (m *Mux) writeLoop() error {
	bw := bufio.NewWriterSize(m.conn, 64*1024)
	for {
		select {
		case f, ok := <-m.writeCh:
			if !ok {
				return bw.Flush()
			}
			if m.ioTimeout > 0 {
				_ = m.conn.SetWriteDeadline(time.Now().Add(m.ioTimeout))
			}
			if err := WriteFrame(bw, f); err != nil {
				return err
			}
			if len(m.writeCh) == 0 {
				if err := bw.Flush(); err != nil {
					return err
				}
			}
		case <-m.shutdownCh:
			return m.drainWrites(bw)
		}
	}
}

func (m *Mux) drainWrites(bw *bufio.Writer) error {
	for {
		select {
		case f := <-m.writeCh:
			if err := WriteFrame(bw, f); err != nil {
				return err
			}
		default:
			return bw.Flush()
		}
	}
}
