// Package ipc serves the daemon's loopback TCP socket: newline-delimited
// JSON commands in, events out. The tick loop drives it through the
// non-blocking Accept/Poll/Broadcast surface; all socket IO happens on
// per-client goroutines.
package ipc

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fueldev/fuel/internal/common/logger"
	"github.com/fueldev/fuel/pkg/wire"
)

// ClientID identifies one attached connection.
type ClientID string

const (
	// maxLineBytes bounds a single command line.
	maxLineBytes = 1 << 20
	// inboxCap bounds undecoded lines buffered per client between ticks.
	inboxCap = 256
	// sendQueueCap bounds the per-client outbound queue; older events are
	// dropped when a slow client falls behind.
	sendQueueCap = 256
)

type client struct {
	id    ClientID
	conn  net.Conn
	inbox chan []byte
	sendq chan []byte
	done  chan struct{}
	once  sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue adds an encoded event to the send queue, evicting the oldest
// entry when the queue is full. Never blocks.
func (c *client) enqueue(line []byte) {
	for {
		select {
		case <-c.done:
			return
		case c.sendq <- line:
			return
		default:
		}
		select {
		case <-c.sendq:
		default:
		}
	}
}

// Server accepts loopback clients and shuttles wire messages.
type Server struct {
	log      *logger.Logger
	listener net.Listener
	conns    chan net.Conn
	closed   atomic.Bool

	mu         sync.Mutex
	clients    map[ClientID]*client
	instanceID string
}

// NewServer creates an unstarted server.
func NewServer(log *logger.Logger) *Server {
	return &Server{
		log:     log,
		conns:   make(chan net.Conn, 16),
		clients: make(map[ClientID]*client),
	}
}

// SetInstanceID records the daemon instance id stamped onto events the server
// synthesizes itself, so they carry the same provenance as runner events.
func (s *Server) SetInstanceID(id string) {
	s.mu.Lock()
	s.instanceID = id
	s.mu.Unlock()
}

func (s *Server) envelope(msgType string) wire.Envelope {
	env := wire.NewEnvelope(msgType)
	s.mu.Lock()
	env.InstanceID = s.instanceID
	s.mu.Unlock()
	return env
}

// Start binds 127.0.0.1:<port> and begins accepting in the background.
// Accepted connections are parked until the next Accept call registers them.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("ipc: listen on port %d: %w", port, err)
	}
	s.listener = ln
	go s.acceptLoop()
	s.log.Info("ipc server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.log.Warn("ipc accept failed", zap.Error(err))
			continue
		}
		select {
		case s.conns <- conn:
		default:
			// Accept backlog full; the daemon is wedged or being flooded.
			s.log.Warn("ipc accept backlog full, rejecting connection",
				zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
		}
	}
}

// Accept registers connections parked since the last call and returns their
// ids. Never blocks.
func (s *Server) Accept() []ClientID {
	var ids []ClientID
	for {
		select {
		case conn := <-s.conns:
			c := &client{
				id:    ClientID(uuid.NewString()),
				conn:  conn,
				inbox: make(chan []byte, inboxCap),
				sendq: make(chan []byte, sendQueueCap),
				done:  make(chan struct{}),
			}
			s.mu.Lock()
			s.clients[c.id] = c
			s.mu.Unlock()
			go s.readLoop(c)
			go s.writeLoop(c)
			ids = append(ids, c.id)
			s.log.Debug("ipc client attached", zap.String("client_id", string(c.id)))
		default:
			return ids
		}
	}
}

func (s *Server) readLoop(c *client) {
	defer s.detach(c)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		buf := make([]byte, len(line))
		copy(buf, line)
		select {
		case c.inbox <- buf:
		default:
			s.log.Warn("ipc inbox full, dropping command",
				zap.String("client_id", string(c.id)))
		}
	}
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case line := <-c.sendq:
			if _, err := c.conn.Write(line); err != nil {
				s.detach(c)
				return
			}
		}
	}
}

func (s *Server) detach(c *client) {
	c.close()
	s.mu.Lock()
	if s.clients[c.id] == c {
		delete(s.clients, c.id)
	}
	s.mu.Unlock()
	s.log.Debug("ipc client detached", zap.String("client_id", string(c.id)))
}

// Poll drains every client's inbox and decodes the buffered lines. Decode
// failures never surface to the tick: a targeted error event is sent to the
// offending client instead.
func (s *Server) Poll() map[ClientID][]wire.Command {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	out := make(map[ClientID][]wire.Command)
	for _, c := range clients {
		if cmds := s.drainInbox(c); len(cmds) > 0 {
			out[c.id] = cmds
		}
	}
	return out
}

func (s *Server) drainInbox(c *client) []wire.Command {
	var cmds []wire.Command
	for {
		select {
		case line := <-c.inbox:
			cmd, err := wire.DecodeCommand(line)
			if err != nil {
				s.log.Warn("ipc command rejected",
					zap.String("client_id", string(c.id)), zap.Error(err))
				s.SendTo(c.id, &wire.ErrorEvent{
					Envelope: s.envelope(wire.EvError),
					Message:  err.Error(),
				})
				continue
			}
			cmds = append(cmds, cmd)
		default:
			return cmds
		}
	}
}

// Broadcast serializes the event once and enqueues it to every client.
func (s *Server) Broadcast(ev wire.Event) {
	line, err := wire.EncodeEvent(ev)
	if err != nil {
		s.log.Error("ipc broadcast encode failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.enqueue(line)
	}
}

// SendTo enqueues the event for one client. Unknown ids are ignored: the
// client may have detached since the command arrived.
func (s *Server) SendTo(id ClientID, ev wire.Event) {
	line, err := wire.EncodeEvent(ev)
	if err != nil {
		s.log.Error("ipc send encode failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	c := s.clients[id]
	s.mu.Unlock()
	if c != nil {
		c.enqueue(line)
	}
}

// ClientCount returns the number of attached clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Port returns the bound port.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Stop closes the listener and every client connection.
func (s *Server) Stop() {
	s.closed.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[ClientID]*client)
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
