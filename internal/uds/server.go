package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/msageha/bestbefore/internal/logging"
)

// DefaultConnTimeout bounds reading a request, running its handler and
// writing the reply.
const DefaultConnTimeout = 30 * time.Second

// HandlerFunc serves one request. ctx is cancelled when the server stops or
// the connection deadline passes.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// Observer is told the outcome of every dispatched command. code is empty
// on success.
type Observer func(command, code string, elapsed time.Duration)

type Server struct {
	socketPath  string
	connTimeout time.Duration
	logger      *logging.Logger
	observe     Observer

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	listener net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(socketPath string, logger *logging.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		connTimeout: DefaultConnTimeout,
		logger:      logger.With("uds"),
		handlers:    make(map[string]HandlerFunc),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// SetObserver must be called before Start.
func (s *Server) SetObserver(o Observer) {
	s.observe = o
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start listens on the socket path, replacing a socket left by a crashed
// daemon. The caller must hold the daemon lock.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(listener)
	s.logger.Infof("listening on %s", s.socketPath)
	return nil
}

// Stop cancels in-flight handlers, waits for them and removes the socket.
func (s *Server) Stop() error {
	s.cancel()
	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()
	if listener != nil {
		_ = listener.Close()
	}
	s.wg.Wait()
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warnf("accept: %v", err)
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	deadline := time.Now().Add(s.connTimeout)
	_ = conn.SetDeadline(deadline)

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Debugf("read request: %v", err)
		return
	}

	ctx, cancel := context.WithDeadline(s.ctx, deadline)
	defer cancel()

	start := time.Now()
	resp := s.dispatch(ctx, &req)
	elapsed := time.Since(start)

	code := ""
	if !resp.Success && resp.Error != nil {
		code = resp.Error.Code
	}
	s.logger.Debugf("command=%s code=%s elapsed=%s", req.Command, code, elapsed)
	if s.observe != nil {
		s.observe(req.Command, code, elapsed)
	}

	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Warnf("write %s response: %v", req.Command, err)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("panic in %s handler: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s failed unexpectedly", req.Command))
		}
	}()
	resp = handler(ctx, req)
	if resp == nil {
		resp = SuccessResponse(nil)
	}
	return resp
}
