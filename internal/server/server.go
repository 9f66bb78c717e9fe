// Package server exposes the DriftDB HTTP surface: room admission, the
// websocket connect endpoint, and the one-shot send adapter.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/driftlab/driftdb/config"
	"github.com/driftlab/driftdb/errs"
	"github.com/driftlab/driftdb/internal/directory"
)

const maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

type handlerFunc func(http.ResponseWriter, *http.Request)

// Server routes the HTTP surface onto the room directory.
type Server struct {
	cfg config.Settings
	dir *directory.Directory

	// baseCtx outlives individual requests; websocket connections are bound
	// to it so server shutdown tears them down.
	baseCtx context.Context
}

// New builds a server over the directory. ctx bounds the lifetime of every
// accepted websocket connection.
func New(ctx context.Context, cfg config.Settings, dir *directory.Directory) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Server{cfg: cfg, dir: dir, baseCtx: ctx}
}

// Handler returns the HTTP handler for the full surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.handleBanner,
	}))
	mux.Handle("/new", s.methodHandlers(map[string]handlerFunc{
		http.MethodPost: s.handleNewRoom,
	}))
	mux.Handle("/room/", http.HandlerFunc(s.handleRoomPath))
	return mux
}

func (s *Server) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("DriftDB server.\n"))
}

func (s *Server) handleNewRoom(w http.ResponseWriter, _ *http.Request) {
	result, err := s.dir.NewRoom()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRoomPath dispatches /room/{id}, /room/{id}/connect, /room/{id}/send.
func (s *Server) handleRoomPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/room/")
	roomID, tail, _ := strings.Cut(rest, "/")
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "room id required")
		return
	}

	switch tail {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleGetRoom(w, roomID)
	case "connect":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleConnect(w, r, roomID)
	case "send":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleSend(w, r, roomID)
	default:
		writeError(w, http.StatusNotFound, "room command not found")
	}
}

func (s *Server) handleGetRoom(w http.ResponseWriter, roomID string) {
	result, err := s.dir.GetRoom(roomID)
	if err != nil {
		writeError(w, statusFor(err), errorText(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, roomID string) {
	room, err := s.dir.Resolve(roomID)
	if err != nil {
		writeError(w, statusFor(err), errorText(err))
		return
	}

	query := r.URL.Query()
	debug := query.Get("debug") != ""
	// "cbor" is the original service's name for the flag; accept both.
	binary := query.Get("binary") != "" || query.Get("cbor") != ""

	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	sock.SetReadLimit(s.cfg.Server.ReadLimit)

	conn := newConnection(s.baseCtx, room, sock, connOptions{
		debug:          debug,
		binary:         binary,
		limiter:        s.newLimiter(),
		writeTimeout:   s.cfg.Server.WriteTimeout,
		outboundBuffer: s.cfg.Server.OutboundBuffer,
	})
	conn.run()
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.cfg.RateLimit.PerSecond <= 0 {
		return nil
	}
	burst := s.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = int(s.cfg.RateLimit.PerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(s.cfg.RateLimit.PerSecond), burst)
}

func statusFor(err error) int {
	var e *errs.E
	if errors.As(err, &e) {
		if e.HTTP > 0 {
			return e.HTTP
		}
		switch e.Code {
		case errs.CodeInvalid:
			return http.StatusBadRequest
		case errs.CodeNotFound:
			return http.StatusNotFound
		case errs.CodeConflict:
			return http.StatusConflict
		case errs.CodeUnavailable:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
