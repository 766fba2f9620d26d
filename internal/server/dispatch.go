package server

import (
	"errors"
	"time"

	"github.com/davrd/stashfs/internal/logger"
	"github.com/davrd/stashfs/internal/protocol/wire"
	"github.com/davrd/stashfs/pkg/auth"
	"github.com/davrd/stashfs/pkg/storage"
)

// dispatchRequest runs dispatch behind a panic guard, so a crashing handler
// still answers the client with a generic error before the connection is
// torn down.
func (s *Server) dispatchRequest(sess *session, env *wire.Envelope, payload []byte) (resp wire.Header, respPayload []byte, quit bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic handling %s for session %s: %v", env.Cmd, sess.id, r)
			resp, respPayload, quit = wire.Err("Internal error"), nil, true
		}
	}()
	return s.dispatch(sess, env, payload)
}

// dispatch routes one request to its handler and returns the response
// header, an optional response payload and whether the connection should
// close afterwards. Each command decodes its own typed request from the
// envelope; a header whose fields do not match the command's types is
// rejected without reaching any handler.
//
// PING and QUIT work in any state. REGISTER and LOGIN only make sense
// before authentication; every other command requires it.
func (s *Server) dispatch(sess *session, env *wire.Envelope, payload []byte) (wire.Header, []byte, bool) {
	switch env.Cmd {
	case wire.CmdPing:
		return wire.NewPong(), nil, false
	case wire.CmdQuit:
		return wire.NewBye(), nil, true
	case wire.CmdRegister:
		var req wire.RegisterRequest
		if bad := decodeInto(env, &req); bad != nil {
			return bad, nil, false
		}
		return s.handleRegister(sess, &req), nil, false
	case wire.CmdLogin:
		var req wire.LoginRequest
		if bad := decodeInto(env, &req); bad != nil {
			return bad, nil, false
		}
		return s.handleLogin(sess, &req), nil, false
	}

	if !sess.authenticated() {
		return wire.Err("Not authenticated"), nil, false
	}

	switch env.Cmd {
	case wire.CmdList:
		var req wire.ListRequest
		if bad := decodeInto(env, &req); bad != nil {
			return bad, nil, false
		}
		return s.handleList(sess, &req), nil, false
	case wire.CmdMkdir:
		var req wire.MkdirRequest
		if bad := decodeInto(env, &req); bad != nil {
			return bad, nil, false
		}
		if err := s.deps.Engine.Mkdir(s.baseCtx, sess.username(), req.Path); err != nil {
			return errResponse(err), nil, false
		}
		return wire.OK(), nil, false
	case wire.CmdUpload:
		var req wire.UploadRequest
		if bad := decodeInto(env, &req); bad != nil {
			return bad, nil, false
		}
		size, err := s.deps.Engine.Upload(s.baseCtx, sess.user, req.Path, payload, req.Overwrite)
		if err != nil {
			return errResponse(err), nil, false
		}
		return wire.NewUpload(size), nil, false
	case wire.CmdDownload:
		var req wire.DownloadRequest
		if bad := decodeInto(env, &req); bad != nil {
			return bad, nil, false
		}
		data, path, err := s.deps.Engine.Download(s.baseCtx, sess.username(), req.Path)
		if err != nil {
			return errResponse(err), nil, false
		}
		return wire.NewDownload(path, int64(len(data))), data, false
	case wire.CmdDelete:
		var req wire.DeleteRequest
		if bad := decodeInto(env, &req); bad != nil {
			return bad, nil, false
		}
		if err := s.deps.Engine.Delete(s.baseCtx, sess.username(), req.Path); err != nil {
			return errResponse(err), nil, false
		}
		return wire.OK(), nil, false
	case wire.CmdRename:
		var req wire.RenameRequest
		if bad := decodeInto(env, &req); bad != nil {
			return bad, nil, false
		}
		if err := s.deps.Engine.Rename(s.baseCtx, sess.username(), req.OldPath, req.NewPath); err != nil {
			return errResponse(err), nil, false
		}
		return wire.OK(), nil, false
	case wire.CmdReadText:
		var req wire.ReadTextRequest
		if bad := decodeInto(env, &req); bad != nil {
			return bad, nil, false
		}
		content, err := s.deps.Engine.ReadText(s.baseCtx, sess.username(), req.Path)
		if err != nil {
			return errResponse(err), nil, false
		}
		return wire.NewText(content), nil, false
	case wire.CmdWriteText:
		var req wire.WriteTextRequest
		if bad := decodeInto(env, &req); bad != nil {
			return bad, nil, false
		}
		size, err := s.deps.Engine.WriteText(s.baseCtx, sess.user, req.Path, req.Content)
		if err != nil {
			return errResponse(err), nil, false
		}
		return wire.NewUpload(size), nil, false
	case wire.CmdStats:
		return s.handleStats(sess), nil, false
	default:
		return wire.Errf("Unknown cmd %s", env.Cmd), nil, false
	}
}

// decodeInto fills req from the envelope, returning a client error response
// on mismatched field types and nil on success.
func decodeInto(env *wire.Envelope, req any) wire.Header {
	if err := env.Decode(req); err != nil {
		return wire.Err("Invalid parameters")
	}
	return nil
}

func (s *Server) handleRegister(sess *session, req *wire.RegisterRequest) wire.Header {
	if sess.authenticated() {
		return wire.Err("Already authenticated")
	}
	if !s.authLimiter.Allow(sess.remoteHost) {
		return wire.Err("Too many attempts")
	}
	if req.Username == "" || req.Password == "" {
		return wire.Ack(false, "Missing username/password")
	}

	err := s.deps.Auth.Register(s.baseCtx, req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrUserExists):
		return wire.Ack(false, "User already exists")
	case err != nil:
		return wire.Ack(false, err.Error())
	}
	logger.Info("registered user %s", req.Username)
	return wire.Ack(true, "Registered")
}

func (s *Server) handleLogin(sess *session, req *wire.LoginRequest) wire.Header {
	if sess.authenticated() {
		return wire.Err("Already authenticated")
	}
	if !s.authLimiter.Allow(sess.remoteHost) {
		return wire.Err("Too many attempts")
	}

	user, err := s.deps.Auth.Verify(s.baseCtx, req.Username, req.Password)
	if err != nil {
		logger.Debug("login failed for %q from %s", req.Username, sess.remoteHost)
		return wire.Err("Bad credentials")
	}

	sess.user = user
	if err := s.deps.Store.TouchSession(s.baseCtx, sess.id, user.Username, 0, 0); err != nil {
		logger.Warn("session bind failed: %v", err)
	}
	logger.Info("user %s logged in, session %s", user.Username, sess.id)
	return wire.NewLogin(sess.id)
}

func (s *Server) handleList(sess *session, req *wire.ListRequest) wire.Header {
	cwd, folders, files, err := s.deps.Engine.List(s.baseCtx, sess.username(), req.Cwd)
	if err != nil {
		return errResponse(err)
	}
	return wire.NewList(cwd, toWireEntries(folders), toWireEntries(files))
}

func (s *Server) handleStats(sess *session) wire.Header {
	resp := wire.NewStats()

	window := s.opts.SessionActiveWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	active, err := s.deps.Store.CountActiveSessions(s.baseCtx, time.Now().Add(-window))
	if err != nil {
		return errResponse(err)
	}
	usage, err := s.deps.Quota.Snapshot(s.baseCtx, sess.user)
	if err != nil {
		return errResponse(err)
	}

	resp.ActiveUsers = active
	resp.ServerUptimeSecs = int64(s.deps.Stats.Uptime().Seconds())
	resp.ServerBytesIn = s.deps.Stats.BytesIn()
	resp.ServerBytesOut = s.deps.Stats.BytesOut()
	resp.UserUsedBytes = usage.UsedBytes
	resp.UserQuotaBytes = usage.QuotaBytes
	return resp
}

func toWireEntries(entries []storage.Entry) []wire.Entry {
	out := make([]wire.Entry, 0, len(entries))
	for _, e := range entries {
		kind := "file"
		if e.IsDir {
			kind = "folder"
		}
		out = append(out, wire.Entry{Type: kind, Path: e.Path, Size: e.Size, ModTime: e.ModTime})
	}
	return out
}

// errResponse maps an operation error to a wire error. Only user-visible
// errors travel verbatim; anything else is logged and replaced with a
// generic message.
func errResponse(err error) wire.Header {
	if storage.IsUserError(err) {
		return wire.Err(err.Error())
	}
	logger.Error("operation failed: %v", err)
	return wire.Err("Internal error")
}
