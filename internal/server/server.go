// Package server owns the sockets: the single event-source listener, the
// client listener, per-connection read pumps and write pumps, and the loop
// goroutine that exclusively owns the application state.
package server

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/apoluektov/fm/internal/graph"
	"github.com/apoluektov/fm/internal/limits"
	"github.com/apoluektov/fm/internal/metrics"
)

// Listener is the application-side sink for server activity. All callbacks
// run on the server's loop goroutine.
type Listener interface {
	// OnClientID is called once with a client's first line. A false return
	// means the client sends nothing further; its read side is shut down.
	OnClientID(c graph.Conn, id string) bool

	// OnClientGone is called after an identified client's connection died.
	OnClientGone(c graph.Conn, id string)

	// OnEventReceived is called per complete line from the event source. A
	// false return drops the event-source connection.
	OnEventReceived(line string) bool

	// OnPoll runs after every batch of network activity.
	OnPoll()
}

// Config holds the server's listen ports. Zero picks an ephemeral port,
// which tests rely on.
type Config struct {
	EventPort  int
	ClientPort int
}

// Server accepts one event-source connection and any number of client
// connections, frames both into LF-terminated lines, and feeds them to the
// Listener from a single loop goroutine. Accept goroutines and per-socket
// pumps communicate with the loop over channels only, so the graph and the
// reorder queue behind the Listener need no locks.
type Server struct {
	cfg     Config
	log     zerolog.Logger
	list    Listener
	metrics *metrics.Registry
	limiter *limits.ClientRateLimiter // nil means unlimited accepts

	eventLn  net.Listener
	clientLn net.Listener

	eventConns chan net.Conn
	hellos     chan hello
	gone       chan *Client

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[*Client]struct{}
}

type hello struct {
	client *Client
	id     string
}

// eventSource is the active upstream connection. Its reader pump delivers
// complete lines and closes the channel on EOF or error.
type eventSource struct {
	conn   net.Conn
	lines  chan string
	closed chan struct{}
	once   sync.Once
}

func (src *eventSource) close() {
	src.once.Do(func() {
		close(src.closed)
		src.conn.Close()
	})
}

// New creates a server. limiter may be nil.
func New(cfg Config, list Listener, log zerolog.Logger, m *metrics.Registry, limiter *limits.ClientRateLimiter) *Server {
	return &Server{
		cfg:        cfg,
		log:        log,
		list:       list,
		metrics:    m,
		limiter:    limiter,
		eventConns: make(chan net.Conn),
		hellos:     make(chan hello),
		gone:       make(chan *Client),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		conns:      make(map[*Client]struct{}),
	}
}

// Start binds both listeners and starts the loop goroutine.
func (s *Server) Start() error {
	eventLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.EventPort))
	if err != nil {
		return fmt.Errorf("listen on event port: %w", err)
	}
	clientLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ClientPort))
	if err != nil {
		eventLn.Close()
		return fmt.Errorf("listen on client port: %w", err)
	}
	s.eventLn = eventLn
	s.clientLn = clientLn

	s.log.Info().
		Str("event_addr", eventLn.Addr().String()).
		Str("client_addr", clientLn.Addr().String()).
		Msg("server listening")

	s.wg.Add(2)
	go s.acceptEvents()
	go s.acceptClients()
	go s.run()
	return nil
}

// Stop signals the loop to terminate, closes every socket and waits for all
// goroutines to finish. Pending client writes are not flushed. Safe to call
// more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.log.Info().Msg("requesting server loop to stop")
		close(s.stop)
		s.eventLn.Close()
		s.clientLn.Close()
	})
	<-s.done
	s.wg.Wait()
}

// EventAddr reports the bound event-source listener address.
func (s *Server) EventAddr() net.Addr { return s.eventLn.Addr() }

// ClientAddr reports the bound client listener address.
func (s *Server) ClientAddr() net.Addr { return s.clientLn.Addr() }

// ClientCount reports the number of open client connections, identified
// or not.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// run is the loop goroutine. It is the only goroutine that calls into the
// Listener, and therefore the only one touching the graph and the queue.
func (s *Server) run() {
	defer close(s.done)

	var (
		active  *eventSource
		pending []net.Conn // event-source connections queued behind the active one
	)

	for {
		var lines chan string
		if active != nil {
			lines = active.lines
		}

		select {
		case <-s.stop:
			if active != nil {
				active.close()
			}
			for _, conn := range pending {
				conn.Close()
			}
			s.closeClients()
			return

		case conn := <-s.eventConns:
			if active == nil {
				active = s.startEventSource(conn)
			} else {
				// Served once the active source closes, like a listen backlog.
				pending = append(pending, conn)
			}

		case line, ok := <-lines:
			if !ok {
				s.log.Info().Msg("event source disconnected")
				active.close()
				active, pending = s.promote(pending)
			} else if !s.list.OnEventReceived(line) {
				s.log.Warn().Msg("event source will be disconnected")
				active.close()
				active, pending = s.promote(pending)
			}

		case h := <-s.hellos:
			select {
			case <-h.client.closed:
				// Died before the identity was processed; never registered,
				// so the empty userID keeps the gone message a no-op.
			default:
				h.client.userID = h.id
				if !s.list.OnClientID(h.client, h.id) {
					h.client.closeRead()
				}
			}

		case c := <-s.gone:
			if c.userID != "" {
				s.list.OnClientGone(c, c.userID)
			}
		}

		s.list.OnPoll()
	}
}

// promote activates the oldest pending event-source connection, if any.
func (s *Server) promote(pending []net.Conn) (*eventSource, []net.Conn) {
	if len(pending) == 0 {
		return nil, nil
	}
	return s.startEventSource(pending[0]), pending[1:]
}

func (s *Server) startEventSource(conn net.Conn) *eventSource {
	s.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("event source connected")
	src := &eventSource{
		conn:   conn,
		lines:  make(chan string, 64),
		closed: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readEvents(src)
	return src
}

// readEvents frames the event stream into lines. Only fully LF-terminated
// lines are delivered; a partial line at EOF is dropped. Closing the lines
// channel signals the loop that the source is gone.
func (s *Server) readEvents(src *eventSource) {
	defer s.wg.Done()
	defer close(src.lines)

	reader := bufio.NewReader(src.conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		select {
		case src.lines <- line:
		case <-src.closed:
			return
		}
	}
}

func (s *Server) acceptEvents() {
	defer s.wg.Done()
	for {
		conn, err := s.eventLn.Accept()
		if err != nil {
			select {
			case <-s.stop:
			default:
				s.log.Error().Err(err).Msg("event listener accept failed")
			}
			return
		}
		select {
		case s.eventConns <- conn:
		case <-s.stop:
			conn.Close()
			return
		}
	}
}

func (s *Server) acceptClients() {
	defer s.wg.Done()
	for {
		conn, err := s.clientLn.Accept()
		if err != nil {
			select {
			case <-s.stop:
			default:
				s.log.Error().Err(err).Msg("client listener accept failed")
			}
			return
		}
		if !s.limiter.Allow() {
			s.log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("client connection rejected by rate limiter")
			s.metrics.ClientsRejected.Inc()
			conn.Close()
			continue
		}

		c := s.newClient(conn, lineWriter{w: bufio.NewWriter(conn)}, false)
		s.wg.Add(2)
		go c.readHello()
		go c.writePump()
	}
}

func (s *Server) newClient(conn net.Conn, w payloadWriter, ws bool) *Client {
	c := &Client{
		conn:   conn,
		writer: w,
		ws:     ws,
		send:   make(chan string, sendQueueSize),
		closed: make(chan struct{}),
		srv:    s,
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	// A connection accepted between listener close and the shutdown snapshot
	// misses closeClients; it must be torn down here.
	select {
	case <-s.stop:
		c.close()
	default:
	}
	return c
}

// clientGone tells the loop an identified client died. During shutdown the
// loop is no longer draining, so the stop case lets closers proceed.
func (s *Server) clientGone(c *Client) {
	select {
	case s.gone <- c:
	case <-s.stop:
	}
}

// sendHello hands a client's identity line to the loop.
func (s *Server) sendHello(c *Client, id string) {
	select {
	case s.hellos <- hello{client: c, id: id}:
	case <-s.stop:
		c.close()
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.conns))
	for c := range s.conns {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (s *Server) forgetClient(c *Client) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
