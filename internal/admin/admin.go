// Copyright (C) 2025 Canmi

// Package admin is the local control surface: a unix domain socket
// speaking line-delimited JSON. One request per line, one response per
// line. It binds and unbinds partitions at runtime and inspects live
// sessions, so operators never have to restart the daemon to change
// the export set.
package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/canmi/anchr/internal/dispatch"
	"github.com/canmi/anchr/internal/partition"
	"github.com/canmi/anchr/internal/session"
)

// Request is one admin command. Fields beyond Cmd are command
// dependent and ignored by commands that do not use them.
type Request struct {
	Cmd string `json:"cmd"`

	ID        string `json:"id,omitempty"`
	Path      string `json:"path,omitempty"`
	Base      int64  `json:"base,omitempty"`
	Size      int64  `json:"size,omitempty"`
	BlockSize uint32 `json:"block_size,omitempty"`
	ReadOnly  bool   `json:"read_only,omitempty"`
}

// Response answers one Request. Exactly one of Error or Data is
// meaningful.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// PartitionStatus is the wire form of one bound partition in a
// "partitions" listing.
type PartitionStatus struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	BlockSize uint32 `json:"block_size"`
	ReadOnly  bool   `json:"read_only"`
}

// SessionStatus is the wire form of one live session in a "sessions"
// listing.
type SessionStatus struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Remote      string `json:"remote"`
	State       string `json:"state"`
	Streams     int    `json:"streams"`
	Inflight    int64  `json:"inflight"`
	Opened      string `json:"opened"`
}

// Server serves admin commands on a unix socket.
type Server struct {
	reg      *partition.Registry
	sessions *session.Manager
	disp     *dispatch.Dispatcher

	ln net.Listener
	wg sync.WaitGroup
}

func New(reg *partition.Registry, sessions *session.Manager, disp *dispatch.Dispatcher) *Server {
	return &Server{reg: reg, sessions: sessions, disp: disp}
}

// Listen binds the unix socket, replacing a stale one left behind by a
// crashed predecessor. The socket is owner-only since every command on
// it is privileged.
func (s *Server) Listen(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("admin: socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("admin: removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("admin: socket permissions: %w", err)
	}

	s.ln = ln
	log.Info().Str("socket", path).Msg("admin socket ready")
	return nil
}

// Serve accepts admin connections until the socket closes.
func (s *Server) Serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(c)
		}()
	}
}

// Close stops accepting and waits for in-flight commands.
func (s *Server) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) serveConn(c net.Conn) {
	defer c.Close()

	sc := bufio.NewScanner(c)
	sc.Buffer(make([]byte, 0, 4096), 1<<16)
	enc := json.NewEncoder(c)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = fail(fmt.Errorf("admin: bad request: %w", err))
		} else {
			resp = s.handle(req)
		}

		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) handle(req Request) Response {
	switch req.Cmd {
	case "bind":
		return s.bind(req)
	case "unbind":
		return s.unbind(req)
	case "partitions":
		return s.partitions()
	case "sessions":
		return s.listSessions()
	case "pending":
		return ok(map[string]int{"pending": s.disp.Pending()})
	default:
		return fail(fmt.Errorf("admin: unknown command %q", req.Cmd))
	}
}

func (s *Server) bind(req Request) Response {
	if req.ID == "" || req.Path == "" {
		return fail(errors.New("admin: bind needs id and path"))
	}

	err := s.reg.Bind(partition.Info{
		ID:        req.ID,
		Path:      req.Path,
		Base:      req.Base,
		Size:      req.Size,
		BlockSize: req.BlockSize,
		ReadOnly:  req.ReadOnly,
	})
	if err != nil {
		return fail(err)
	}

	log.Info().Str("partition", req.ID).Msg("bound via admin socket")
	return ok(nil)
}

func (s *Server) unbind(req Request) Response {
	if req.ID == "" {
		return fail(errors.New("admin: unbind needs id"))
	}
	if err := s.reg.Unbind(req.ID); err != nil {
		return fail(err)
	}

	log.Info().Str("partition", req.ID).Msg("unbound via admin socket")
	return ok(nil)
}

func (s *Server) partitions() Response {
	infos := s.reg.List()
	out := make([]PartitionStatus, 0, len(infos))
	for _, info := range infos {
		out = append(out, PartitionStatus{
			ID:        info.ID,
			Path:      info.Path,
			Size:      info.Size,
			BlockSize: info.BlockSize,
			ReadOnly:  info.ReadOnly,
		})
	}
	return ok(out)
}

func (s *Server) listSessions() Response {
	sessions := s.sessions.List()
	out := make([]SessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, SessionStatus{
			ID:          sess.ID().String(),
			Fingerprint: sess.Fingerprint(),
			Remote:      sess.Remote(),
			State:       sess.State().String(),
			Streams:     sess.Streams(),
			Inflight:    sess.Inflight(),
			Opened:      sess.Opened().UTC().Format(time.RFC3339),
		})
	}
	return ok(out)
}

func ok(data any) Response {
	if data == nil {
		return Response{OK: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fail(err)
	}
	return Response{OK: true, Data: raw}
}

func fail(err error) Response {
	return Response{OK: false, Error: err.Error()}
}

// Do is the client side used by the companion CLI and by tests: one
// request, one response, over a fresh connection.
func Do(ctx context.Context, socket string, req Request) (Response, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return Response{}, fmt.Errorf("admin: dial %s: %w", socket, err)
	}
	defer c.Close()

	if dl, ok := ctx.Deadline(); ok {
		c.SetDeadline(dl)
	}

	if err := json.NewEncoder(c).Encode(req); err != nil {
		return Response{}, fmt.Errorf("admin: sending request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(c).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("admin: reading response: %w", err)
	}
	return resp, nil
}
