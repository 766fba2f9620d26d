package server

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/davrd/stashfs/internal/logger"
	"github.com/davrd/stashfs/internal/protocol/wire"
	"github.com/davrd/stashfs/pkg/store"
)

// session is the per-connection state. A connection starts unauthenticated;
// a successful LOGIN binds it to a user exactly once, and there is no way
// back to the unauthenticated state short of closing the connection.
type session struct {
	id         string
	user       *store.User
	remoteHost string
}

func (c *session) username() string {
	if c.user == nil {
		return ""
	}
	return c.user.Username
}

func (c *session) authenticated() bool {
	return c.user != nil
}

// handleConn is the per-connection worker: one goroutine per client,
// reading frames and answering them in order until the client quits, the
// stream breaks or the server shuts down.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer func() {
		if s.connSem != nil {
			<-s.connSem
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in connection handler for %s: %v", conn.RemoteAddr(), r)
		}
		_ = conn.Close()
	}()

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	sess := &session{id: uuid.NewString(), remoteHost: host}

	logger.Debug("connection from %s, session %s", conn.RemoteAddr(), sess.id)
	if err := s.deps.Store.TouchSession(s.baseCtx, sess.id, "", 0, 0); err != nil {
		logger.Warn("session create failed: %v", err)
	}
	defer func() {
		// Final last-seen stamp so the activity window sees the close
		if err := s.deps.Store.TouchSession(s.baseCtx, sess.id, sess.username(), 0, 0); err != nil {
			logger.Warn("session close stamp failed: %v", err)
		}
		logger.Debug("connection %s closed, session %s", conn.RemoteAddr(), sess.id)
	}()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		default:
		}

		if s.opts.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		} else if s.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		}

		var env wire.Envelope
		payload, bytesIn, err := wire.ReadMessage(conn, s.opts.Limits, &env)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				// Framing errors leave the stream position unknown;
				// close instead of resynchronizing
				logger.Debug("dropping connection %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		s.deps.Stats.AddBytesIn(bytesIn)

		resp, respPayload, quit := s.dispatchRequest(sess, &env, payload)

		if s.opts.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		}
		bytesOut, err := wire.WriteMessage(conn, resp, respPayload)
		if err != nil {
			logger.Debug("write to %s failed: %v", conn.RemoteAddr(), err)
			return
		}
		// The server-wide out counter tracks download payload bytes only;
		// the per-session counter keeps the full frame size
		if n := int64(len(respPayload)); n > 0 {
			s.deps.Stats.AddBytesOut(n)
		}

		if err := s.deps.Store.TouchSession(s.baseCtx, sess.id, sess.username(), bytesIn, bytesOut); err != nil {
			logger.Warn("session touch failed: %v", err)
		}
		if quit {
			return
		}
	}
}
