package server

import (
	"bufio"
	"net"
	"strings"
	"sync"
)

// sendQueueSize bounds the per-client write queue. A client that falls this
// far behind is treated as failed and dropped from delivery, matching the
// handling of a write error.
const sendQueueSize = 1024

// payloadWriter writes one event payload in the transport's framing.
type payloadWriter interface {
	WritePayload(payload string) error
	Flush() error
}

// lineWriter frames payloads as CRLF-terminated lines for plain TCP clients.
type lineWriter struct {
	w *bufio.Writer
}

func (lw lineWriter) WritePayload(payload string) error {
	if _, err := lw.w.WriteString(payload); err != nil {
		return err
	}
	_, err := lw.w.WriteString("\r\n")
	return err
}

func (lw lineWriter) Flush() error {
	return lw.w.Flush()
}

// Client is one connected user socket. It implements graph.Conn: Send queues
// the raw payload for the write pump. After the identity line is read the
// read side is shut down and the connection only ever receives.
type Client struct {
	conn   net.Conn
	writer payloadWriter
	ws     bool // WebSocket gateway connection; reads are handled elsewhere

	// userID is written and read by the loop goroutine only.
	userID string

	send   chan string
	closed chan struct{}
	once   sync.Once
	srv    *Server
}

// Send queues payload for delivery and reports whether it was accepted.
// A closed connection or a full queue drops the payload without blocking.
func (c *Client) Send(payload string) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		// Slow client, queue full.
		return false
	}
}

// readHello reads the client's first line, announces the identity to the
// loop and stops reading. The buffered reader carries partial reads across
// network chunks, so an identity larger than one read is assembled correctly.
func (c *Client) readHello() {
	defer c.srv.wg.Done()

	reader := bufio.NewReader(c.conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		c.srv.log.Debug().Err(err).Msg("client closed before identifying")
		c.close()
		return
	}
	id := strings.TrimRight(line, "\r\n")
	if id == "" {
		c.close()
		return
	}
	c.srv.sendHello(c, id)
}

// writePump drains the send queue onto the socket, batching whatever is
// already queued before each flush. Any write error silences the client for
// good: the queue is abandoned and the connection torn down.
func (c *Client) writePump() {
	defer c.srv.wg.Done()
	defer c.close()

	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			if err := c.writer.WritePayload(payload); err != nil {
				c.srv.log.Warn().Err(err).Str("remote", c.conn.RemoteAddr().String()).Msg("client write failed")
				return
			}
			for n := len(c.send); n > 0; n-- {
				if err := c.writer.WritePayload(<-c.send); err != nil {
					c.srv.log.Warn().Err(err).Str("remote", c.conn.RemoteAddr().String()).Msg("client write failed")
					return
				}
			}
			if err := c.writer.Flush(); err != nil {
				c.srv.log.Warn().Err(err).Str("remote", c.conn.RemoteAddr().String()).Msg("client flush failed")
				return
			}
		}
	}
}

// closeRead half-closes the read side once the identity line has been
// consumed; the client never sends again but keeps receiving notifications.
func (c *Client) closeRead() {
	if c.ws {
		return
	}
	if tcp, ok := c.conn.(*net.TCPConn); ok {
		_ = tcp.CloseRead()
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
		c.srv.forgetClient(c)
		c.srv.clientGone(c)
	})
}
