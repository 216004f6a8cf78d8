package server

import (
	"io"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// frameWriter frames payloads as WebSocket text messages.
type frameWriter struct {
	w io.Writer
}

func (fw frameWriter) WritePayload(payload string) error {
	return wsutil.WriteServerText(fw.w, []byte(payload))
}

func (fw frameWriter) Flush() error { return nil }

// ServeWS upgrades an HTTP request to a WebSocket client connection and
// registers the user named by the "user" query parameter. The connection
// receives the same raw payload lines a TCP client would, one per text frame.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("user")
	if id == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.log.Info().Str("remote", conn.RemoteAddr().String()).Str("user", id).Msg("websocket client connected")

	c := s.newClient(conn, frameWriter{w: conn}, true)
	s.wg.Add(2)
	go c.writePump()
	go s.readFrames(c)

	s.sendHello(c, id)
}

// readFrames discards inbound frames until the peer closes or the connection
// dies. Clients send nothing meaningful after identifying; reading here only
// serves disconnect detection. All outbound frames, including none in reply
// to pings, come from the write pump so frames never interleave.
func (s *Server) readFrames(c *Client) {
	defer s.wg.Done()
	defer c.close()

	reader := wsutil.NewReader(c.conn, ws.StateServerSide)
	for {
		hdr, err := reader.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode == ws.OpClose {
			return
		}
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return
		}
	}
}
