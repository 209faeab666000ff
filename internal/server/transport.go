package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"difflsp/internal/backend"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

const (
	codeServerNotInitialized = -32002
	codeRequestFailed        = -32803
)

// RunStdio serves the session on stdin and stdout.
func (s *Server) RunStdio() error {
	log.Info("reading from stdin, writing to stdout")
	return s.ServeStream(context.Background(), stdio{})
}

// RunTCP waits for one editor connection on addr and serves the session
// on it.
func (s *Server) RunTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(context.Background(), listener)
}

// ServeListener accepts a single connection, closes the listener and
// serves the session on the connection.
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	log.Infof("listening for TCP connections on %s", listener.Addr())
	conn, err := listener.Accept()
	listener.Close()
	if err != nil {
		return err
	}
	log.Infof("connection from %s", conn.RemoteAddr())
	return s.ServeStream(ctx, conn)
}

// RunWebSocket serves the session to the first editor that connects to
// addr over a WebSocket. Further connections are refused while it lasts.
func (s *Server) RunWebSocket(addr string) error {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	var busy atomic.Bool
	done := make(chan error, 2)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !busy.CompareAndSwap(false, true) {
			http.Error(w, "a session is already active", http.StatusConflict)
			return
		}
		socket, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			busy.Store(false)
			log.Warningf("websocket upgrade: %v", err)
			return
		}
		log.Infof("websocket connection from %s", r.RemoteAddr)
		done <- s.serve(r.Context(), wsjsonrpc2.NewObjectStream(socket))
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Infof("listening for websocket connections on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- err
		}
	}()

	err := <-done
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	return err
}

// ServeStream serves the session on a Content-Length framed stream until
// it closes or the editor exits.
func (s *Server) ServeStream(ctx context.Context, rwc io.ReadWriteCloser) error {
	return s.serve(ctx, jsonrpc2.NewBufferedStream(rwc, backend.Codec{}))
}

func (s *Server) serve(ctx context.Context, stream jsonrpc2.ObjectStream) error {
	conn := jsonrpc2.NewConn(ctx, stream, s.newHandler(), jsonrpc2.SetLogger(rpcLogger{}))
	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
		conn.Close()
	}
	log.Info("connection closed")

	if err := s.Close(); err != nil {
		log.Errorf("closing backends: %v", err)
	}
	return nil
}

// dispatcher handles notifications in arrival order on the read loop so a
// request never overtakes the didOpen before it. Requests each get their
// own goroutine.
type dispatcher struct {
	notifications jsonrpc2.Handler
	requests      jsonrpc2.Handler
}

func (s *Server) newHandler() jsonrpc2.Handler {
	return dispatcher{
		notifications: jsonrpc2.HandlerWithError(s.handle),
		requests:      jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(s.handle).SuppressErrClosed()),
	}
}

func (d dispatcher) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Notif {
		d.notifications.Handle(ctx, conn, req)
		return
	}
	d.requests.Handle(ctx, conn, req)
}

func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	glspContext := glsp.Context{
		Method: req.Method,
		Notify: func(method string, params any) {
			if err := conn.Notify(ctx, method, params); err != nil {
				log.Errorf("notify %s: %v", method, err)
			}
		},
		Call: func(method string, params any, result any) {
			if err := conn.Call(ctx, method, params, result); err != nil {
				log.Errorf("call %s: %v", method, err)
			}
		},
	}
	if req.Params != nil {
		glspContext.Params = *req.Params
	}

	switch {
	case req.Method == protocol.MethodExit:
		// the handler table ignores exit once shut down
		s.handler.Handle(&glspContext)
		s.markExited()
		return nil, conn.Close()

	case s.ShutdownReceived():
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidRequest, Message: "server is shutting down"}

	case req.Method == protocol.MethodInitialize && s.handler.IsInitialized():
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidRequest, Message: "server already initialized"}

	case req.Method != protocol.MethodInitialize && !s.handler.IsInitialized():
		return nil, &jsonrpc2.Error{Code: codeServerNotInitialized, Message: "server not initialized"}
	}

	r, validMethod, validParams, err := s.handler.Handle(&glspContext)
	switch {
	case !validMethod:
		return nil, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: fmt.Sprintf("method not supported: %s", req.Method),
		}
	case !validParams:
		e := &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams}
		if err != nil {
			e.Message = err.Error()
		}
		return nil, e
	case err != nil:
		return nil, rpcError(err)
	}
	return r, nil
}

// rpcError decides what the editor sees for a failed request. Internal
// detail stays in the log.
func rpcError(err error) *jsonrpc2.Error {
	var rpcErr *jsonrpc2.Error
	switch {
	case errors.As(err, &rpcErr):
		// an error response from a backend, or one of ours
		return rpcErr
	case errors.Is(err, ErrNoDiff), errors.Is(err, ErrNoBackend):
		return &jsonrpc2.Error{Code: codeRequestFailed, Message: err.Error()}
	case errors.Is(err, backend.ErrTimeout):
		return &jsonrpc2.Error{Code: codeRequestFailed, Message: "backend request timed out"}
	}
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: "server error"}
}

type stdio struct{}

func (stdio) Read(p []byte) (int, error) {
	return os.Stdin.Read(p)
}

func (stdio) Write(p []byte) (int, error) {
	return os.Stdout.Write(p)
}

func (stdio) Close() error {
	return errors.Join(os.Stdin.Close(), os.Stdout.Close())
}

type rpcLogger struct{}

func (rpcLogger) Printf(format string, v ...interface{}) {
	log.Debugf("rpc: %s", strings.TrimSpace(fmt.Sprintf(format, v...)))
}
