// oreon/defense · watchthelight <wtl>

package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oreonproject/logban/internal/bus"
	"github.com/oreonproject/logban/pkg/events"
	"github.com/oreonproject/logban/pkg/ipc"
)

// pushTimeout bounds one event write to a subscriber.
const pushTimeout = time.Second

// Server handles IPC connections from logbanctl and other clients.
type Server struct {
	socketPath  string
	listener    net.Listener
	daemon      *Daemon
	logger      *slog.Logger
	subscribers map[net.Conn]bool
	subMu       sync.Mutex
}

// NewServer creates an IPC server that exposes daemon state.
func NewServer(socketPath string, daemon *Daemon) *Server {
	s := &Server{
		socketPath:  socketPath,
		daemon:      daemon,
		logger:      daemon.logger.With("component", "ipc"),
		subscribers: make(map[net.Conn]bool),
	}

	daemon.State().OnStateChange(func(old, new State) {
		s.broadcast(ipc.Event{
			Type:     ipc.EventStateChange,
			Time:     time.Now(),
			OldState: old.String(),
			NewState: new.String(),
		})
	})
	daemon.ObserveBans(func(ev bus.Event) {
		s.broadcast(ipc.Event{
			Type:   ipc.EventBan,
			Time:   ev.Time,
			Name:   ev.Name,
			Fields: ev.Fields,
		})
	})

	return s
}

// Listen creates the unix socket.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return err
	}

	// Remove stale socket if it exists
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.listener = ln

	// Root-only: unban is a privileged operation.
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return err
	}

	s.logger.Info("IPC server listening", "socket", s.socketPath)
	return nil
}

// Serve implements suture.Service: it listens and accepts connections
// until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	ln := s.listener
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer os.Remove(s.socketPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.closeSubscribers()
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("accept error", "error", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Server) String() string {
	return "ipc-server"
}

func (s *Server) subscribe(conn net.Conn) {
	s.subMu.Lock()
	s.subscribers[conn] = true
	s.subMu.Unlock()
	s.logger.Debug("client subscribed")
}

func (s *Server) unsubscribe(conn net.Conn) {
	s.subMu.Lock()
	delete(s.subscribers, conn)
	s.subMu.Unlock()
}

func (s *Server) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for conn := range s.subscribers {
		conn.Close()
		delete(s.subscribers, conn)
	}
}

// broadcast pushes an event to every subscriber. A subscriber that
// cannot take it within pushTimeout is dropped.
func (s *Server) broadcast(event ipc.Event) {
	resp := makeResponse(ipc.EventID, event)
	line, err := json.Marshal(resp)
	if err != nil {
		return
	}
	line = append(line, '\n')

	s.subMu.Lock()
	subscribers := make([]net.Conn, 0, len(s.subscribers))
	for conn := range s.subscribers {
		subscribers = append(subscribers, conn)
	}
	s.subMu.Unlock()

	for _, conn := range subscribers {
		conn.SetWriteDeadline(time.Now().Add(pushTimeout))
		if _, err := conn.Write(line); err != nil {
			s.logger.Debug("failed to send event to subscriber", "error", err)
			s.unsubscribe(conn)
			conn.Close()
		}
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.unsubscribe(conn)

	reader := bufio.NewReader(conn)
	var writeMu sync.Mutex
	send := func(resp *ipc.Response) error {
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(pushTimeout))
		_, err = conn.Write(append(data, '\n'))
		return err
	}

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return // client disconnected
		}

		var req ipc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			if err := send(&ipc.Response{Success: false, Error: "invalid JSON"}); err != nil {
				s.logger.Warn("failed to encode error response", "error", err)
				return
			}
			continue
		}

		// Subscribe registers this connection for push events. Any event
		// published after the acknowledgement reaches the client.
		if req.Command == ipc.CmdSubscribe {
			s.subscribe(conn)
			if err := send(makeResponse(req.ID, "subscribed")); err != nil {
				s.logger.Warn("failed to encode response", "error", err)
				return
			}
			continue
		}

		resp := s.handleRequest(ctx, &req)
		if err := send(resp); err != nil {
			s.logger.Warn("failed to encode response", "error", err)
			return
		}
	}
}

// makeResponse creates a response with properly marshaled data.
func makeResponse(id string, data any) *ipc.Response {
	resp := &ipc.Response{ID: id, Success: true}
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return &ipc.Response{ID: id, Success: false, Error: "marshal error: " + err.Error()}
		}
		resp.Data = jsonData
	}
	return resp
}

func errorResponse(id string, err error) *ipc.Response {
	return &ipc.Response{ID: id, Success: false, Error: err.Error()}
}

func (s *Server) handleRequest(ctx context.Context, req *ipc.Request) *ipc.Response {
	evt := events.StartIPCRequest(req.Command, req.ID).ClientVersion(req.Version)
	var resp *ipc.Response
	defer func() {
		if resp != nil && !resp.Success {
			evt.SetError(errors.New(resp.Error))
		}
		if resp != nil {
			evt.ResponseSize(len(resp.Data))
		}
		s.daemon.Events().Emit(evt.End())
	}()

	// Version 0 is a client that did not send one.
	if req.Version != 0 && req.Version != ipc.ProtocolVersion {
		resp = &ipc.Response{
			ID:      req.ID,
			Success: false,
			Error:   fmt.Sprintf("protocol version mismatch: client=%d, server=%d", req.Version, ipc.ProtocolVersion),
		}
		return resp
	}

	switch req.Command {
	case ipc.CmdPing:
		resp = makeResponse(req.ID, "pong")

	case ipc.CmdStatus:
		status, err := s.daemon.Status(ctx)
		if err != nil {
			resp = errorResponse(req.ID, err)
			break
		}
		resp = makeResponse(req.ID, status)

	case ipc.CmdBans:
		bans, err := s.daemon.Bans(ctx)
		if err != nil {
			resp = errorResponse(req.ID, err)
			break
		}
		resp = makeResponse(req.ID, ipc.BansResponse{Bans: bans})

	case ipc.CmdUnban:
		var args ipc.UnbanArgs
		if len(req.Args) == 0 {
			resp = errorResponse(req.ID, errors.New("unban: missing arguments"))
			break
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			resp = errorResponse(req.ID, fmt.Errorf("unban: invalid arguments: %w", err))
			break
		}
		if err := s.daemon.Unban(ctx, args.Trigger, args.Addr); err != nil {
			resp = errorResponse(req.ID, err)
			break
		}
		resp = makeResponse(req.ID, "unbanned "+args.Addr)

	default:
		resp = &ipc.Response{
			ID:      req.ID,
			Success: false,
			Error:   "unknown command: " + req.Command,
		}
	}

	return resp
}
