//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so the server runs on developer machines. Each connection gets a monitor
// goroutine that peeks for pending bytes without consuming them and reports
// the connection ready once per Rearm.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*peekConn
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
	once    sync.Once
}

// peekConn reads through a buffer so the monitor can peek ahead of the
// frame reader.
type peekConn struct {
	net.Conn
	br     *bufio.Reader
	rearm  chan struct{}
	closed chan struct{}
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.br.Read(b)
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*peekConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn and returns the wrapped connection every read
// must go through.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	pc := &peekConn{
		Conn:   conn,
		br:     bufio.NewReader(conn),
		rearm:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	e.mu.Lock()
	e.conns[pc] = pc
	e.mu.Unlock()

	go e.monitor(pc)
	return pc, nil
}

func (e *Epoll) monitor(pc *peekConn) {
	for {
		_, err := pc.br.Peek(1)

		select {
		case e.readyCh <- pc:
		case <-pc.closed:
			return
		case <-e.done:
			return
		}
		if err != nil {
			// The reader sees the same error and removes the connection.
			return
		}

		select {
		case <-pc.rearm:
		case <-pc.closed:
			return
		case <-e.done:
			return
		}
	}
}

// Rearm lets the monitor of conn report it again once the previous readiness
// was handled.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	pc, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pc.rearm <- struct{}{}:
	default:
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	pc, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(pc.closed)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading and returns
// every connection that is ready at that moment.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

// socketFD is meaningless without epoll; connections are tracked by value.
func socketFD(net.Conn) int {
	return -1
}
