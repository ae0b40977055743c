package transport

import (
	"sync"

	"github.com/soyeahso/parley/internal/wire"
)

// link is one established relay connection and its in-flight requests.
type link struct {
	conn  Conn
	hello wire.HelloOK

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wire.Frame
	err     error

	done chan struct{}
	once sync.Once
}

func newLink(conn Conn, hello wire.HelloOK) *link {
	return &link{
		conn:    conn,
		hello:   hello,
		pending: make(map[string]chan wire.Frame),
		done:    make(chan struct{}),
	}
}

func (l *link) write(f wire.Frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	select {
	case <-l.done:
		return l.closeErr()
	default:
	}
	return l.conn.WriteJSON(f)
}

func (l *link) expect(id string) <-chan wire.Frame {
	ch := make(chan wire.Frame, 1)
	l.mu.Lock()
	l.pending[id] = ch
	l.mu.Unlock()
	return ch
}

func (l *link) forget(id string) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

// resolve hands a response to its waiting Emit. Late responses are dropped.
func (l *link) resolve(f wire.Frame) {
	l.mu.Lock()
	ch, ok := l.pending[f.ID]
	delete(l.pending, f.ID)
	l.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (l *link) close(err error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
		l.conn.Close()
	})
}

func (l *link) closeErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *link) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
