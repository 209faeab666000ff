package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/tliron/commonlog"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

var log = commonlog.GetLogger("difflsp.backend")

const (
	shutdownGrace = 2 * time.Second
	exitWait      = 500 * time.Millisecond
)

// Command describes how to launch a backend language server.
type Command struct {
	Name string
	Args []string
	Dir  string
}

type Options struct {
	// Timeout bounds every request cycle. Zero disables the bound.
	Timeout time.Duration
	// StderrBytes is how much backend stderr is kept for error reports.
	StderrBytes int
}

type State int

const (
	Unstarted State = iota
	Spawned
	Initialized
	Closed
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Spawned:
		return "spawned"
	case Initialized:
		return "initialized"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Client is a session with one backend language server over stdio.
// Request cycles are serialized: one request is written and its response
// read before the next begins.
type Client struct {
	Language string

	command Command
	opts    Options

	mu        sync.Mutex // serializes request cycles and notifications
	announced bool

	stateMu sync.Mutex
	state   State

	cmd    *exec.Cmd
	exited chan struct{}
	conn   *jsonrpc2.Conn
	stream *tracedStream
	stderr *tail

	serverName string
}

func NewClient(language string, command Command, opts Options) *Client {
	return &Client{
		Language: language,
		command:  command,
		opts:     opts,
		stderr:   newTail(opts.StderrBytes),
	}
}

func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == Closed {
		return
	}
	c.state = s
}

// ServerName is the name the backend reported in its initialize result.
func (c *Client) ServerName() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.serverName
}

// Stderr returns an excerpt of the backend's most recent stderr output.
func (c *Client) Stderr() string {
	return c.stderr.Excerpt()
}

// Start launches the backend process and connects to its stdio.
func (c *Client) Start() error {
	if c.State() != Unstarted {
		return c.fail("start", ErrAlreadyStarted)
	}

	path, err := exec.LookPath(c.command.Name)
	if err != nil {
		return c.fail("start", fmt.Errorf("%w: %v", ErrSpawn, err))
	}

	cmd := exec.Command(path, c.command.Args...)
	cmd.Dir = c.command.Dir
	cmd.Stderr = c.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return c.fail("start", fmt.Errorf("%w: %v", ErrSpawn, err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return c.fail("start", fmt.Errorf("%w: %v", ErrSpawn, err))
	}
	if err := cmd.Start(); err != nil {
		return c.fail("start", fmt.Errorf("%w: %v", ErrSpawn, err))
	}
	log.Infof("%s: started %s (pid %d)", c.Language, path, cmd.Process.Pid)

	c.cmd = cmd
	c.exited = make(chan struct{})
	c.Connect(&pipe{ReadCloser: stdout, WriteCloser: stdin})

	go func() {
		// Wait closes stdout, so the read loop has to be done with it
		<-c.conn.DisconnectNotify()
		err := cmd.Wait()
		log.Infof("%s: backend exited: %v", c.Language, err)
		close(c.exited)
		c.setState(Closed)
	}()
	return nil
}

// Connect attaches the client to a language server that is already
// running, such as one listening on a socket.
func (c *Client) Connect(rwc io.ReadWriteCloser) {
	c.stream = &tracedStream{ObjectStream: jsonrpc2.NewBufferedStream(rwc, Codec{})}
	c.conn = jsonrpc2.NewConn(
		context.Background(),
		c.stream,
		jsonrpc2.AsyncHandler(unsolicited{language: c.Language}),
		jsonrpc2.SetLogger(rpcLogger{language: c.Language}),
	)
	c.setState(Spawned)

	go func() {
		<-c.conn.DisconnectNotify()
		if err := c.stream.readError(); err != nil && !errors.Is(err, io.EOF) {
			log.Errorf("%s: connection lost: %v", c.Language, err)
		}
		c.setState(Closed)
	}()
}

// Initialize performs the initialize handshake. A response that is not
// an initialize result fails the handshake.
func (c *Client) Initialize(ctx context.Context, params *protocol.InitializeParams) error {
	raw, err := c.call(ctx, protocol.MethodInitialize, params, Spawned)
	if err != nil {
		return err
	}

	var result struct {
		Capabilities json.RawMessage                      `json:"capabilities"`
		ServerInfo   *protocol.InitializeResultServerInfo `json:"serverInfo"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.Capabilities == nil {
		if err == nil {
			err = errors.New("missing capabilities")
		}
		return c.fail(protocol.MethodInitialize, fmt.Errorf("%w: %v", ErrDecode, err))
	}

	if result.ServerInfo != nil {
		c.stateMu.Lock()
		c.serverName = result.ServerInfo.Name
		c.stateMu.Unlock()
	}

	c.setState(Initialized)
	log.Infof("%s: initialized %s", c.Language, c.ServerName())
	return nil
}

// Initialized sends the initialized notification. Only the first call
// that succeeds reaches the backend.
func (c *Client) Initialized(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.announced {
		return nil
	}
	if err := c.send(ctx, protocol.MethodInitialized, &protocol.InitializedParams{}); err != nil {
		return err
	}
	c.announced = true
	return nil
}

func (c *Client) DidOpen(ctx context.Context, params *protocol.DidOpenTextDocumentParams) error {
	return c.notify(ctx, protocol.MethodTextDocumentDidOpen, params)
}

func (c *Client) DidChange(ctx context.Context, params *protocol.DidChangeTextDocumentParams) error {
	return c.notify(ctx, protocol.MethodTextDocumentDidChange, params)
}

// Hover returns nil when the backend has no hover for the position or
// its result does not decode.
func (c *Client) Hover(ctx context.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	raw, err := c.call(ctx, protocol.MethodTextDocumentHover, params, Initialized)
	if err != nil {
		return nil, err
	}
	var hover *protocol.Hover
	if !c.decode(protocol.MethodTextDocumentHover, raw, &hover) {
		return nil, nil
	}
	return hover, nil
}

// Definition returns a protocol.Location, []protocol.Location,
// []protocol.LocationLink or nil.
func (c *Client) Definition(ctx context.Context, params *protocol.DefinitionParams) (any, error) {
	return c.locations(ctx, protocol.MethodTextDocumentDefinition, params)
}

func (c *Client) TypeDefinition(ctx context.Context, params *protocol.TypeDefinitionParams) (any, error) {
	return c.locations(ctx, protocol.MethodTextDocumentTypeDefinition, params)
}

func (c *Client) References(ctx context.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	raw, err := c.call(ctx, protocol.MethodTextDocumentReferences, params, Initialized)
	if err != nil {
		return nil, err
	}
	var locations []protocol.Location
	if !c.decode(protocol.MethodTextDocumentReferences, raw, &locations) {
		return nil, nil
	}
	return locations, nil
}

func (c *Client) locations(ctx context.Context, method string, params any) (any, error) {
	raw, err := c.call(ctx, method, params, Initialized)
	if err != nil {
		return nil, err
	}
	result, err := decodeLocations(raw)
	if err != nil {
		log.Debugf("%s: %s: %v", c.Language, method, err)
		return nil, nil
	}
	return result, nil
}

// Close shuts the backend down, politely when it was initialized, and
// kills the process if it does not exit in time. A request cycle in
// flight fails with ErrClosed.
func (c *Client) Close() error {
	if c.conn == nil {
		c.setState(Closed)
		return nil
	}

	if c.State() == Initialized {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := c.conn.Call(ctx, protocol.MethodShutdown, nil, nil); err != nil {
			log.Debugf("%s: shutdown: %v", c.Language, err)
		} else if err := c.conn.Notify(ctx, protocol.MethodExit, nil); err != nil {
			log.Debugf("%s: exit: %v", c.Language, err)
		}
		cancel()
	}
	c.conn.Close()
	c.setState(Closed)

	if c.cmd != nil {
		select {
		case <-c.exited:
		case <-time.After(shutdownGrace):
			log.Warningf("%s: backend did not exit, killing pid %d", c.Language, c.cmd.Process.Pid)
			if err := c.cmd.Process.Kill(); err != nil {
				return c.fail("close", err)
			}
		}
	}
	return nil
}

// call runs one request cycle. The client must be in state want.
func (c *Client) call(ctx context.Context, method string, params any, want State) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(method, want); err != nil {
		return nil, err
	}

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	var raw json.RawMessage
	if err := c.conn.Call(ctx, method, params, &raw); err != nil {
		return nil, c.classify(method, err)
	}
	return raw, nil
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(ctx, method, params)
}

// send writes a notification. c.mu must be held.
func (c *Client) send(ctx context.Context, method string, params any) error {
	if err := c.ready(method, Initialized); err != nil {
		return err
	}
	if err := c.conn.Notify(ctx, method, params); err != nil {
		return c.classify(method, err)
	}
	return nil
}

func (c *Client) ready(method string, want State) error {
	switch state := c.State(); {
	case state == Closed:
		return c.fail(method, c.closeCause())
	case state == Unstarted:
		return c.fail(method, ErrNotInitialized)
	case want == Initialized && state != Initialized:
		return c.fail(method, ErrNotInitialized)
	}
	return nil
}

func (c *Client) classify(method string, err error) error {
	var rpcErr *jsonrpc2.Error
	switch {
	case errors.As(err, &rpcErr):
		// the backend answered with an error response
		return &Error{Language: c.Language, Op: method, Err: rpcErr}
	case errors.Is(err, context.DeadlineExceeded):
		return c.fail(method, ErrTimeout)
	case errors.Is(err, jsonrpc2.ErrClosed):
		return c.fail(method, c.closeCause())
	}
	return c.fail(method, err)
}

// closeCause explains why the connection went away.
func (c *Client) closeCause() error {
	if c.stream != nil {
		var framing *FramingError
		if err := c.stream.readError(); errors.As(err, &framing) {
			return fmt.Errorf("%w: %w", ErrClosed, framing)
		}
	}
	return ErrClosed
}

func (c *Client) fail(op string, err error) error {
	return &Error{Language: c.Language, Op: op, Stderr: c.excerpt(err), Err: err}
}

// excerpt returns the stderr tail. When the connection broke, the process
// is given exitWait to finish exiting so its last output is included.
func (c *Client) excerpt(err error) string {
	if c.exited != nil && (errors.Is(err, ErrWrite) || errors.Is(err, ErrClosed)) {
		select {
		case <-c.exited:
		case <-time.After(exitWait):
		}
	}
	return c.stderr.Excerpt()
}

func (c *Client) decode(method string, raw json.RawMessage, v any) bool {
	if isNull(raw) {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		log.Debugf("%s: %s: %v: %v", c.Language, method, ErrDecode, err)
		return false
	}
	return true
}

// decodeLocations decodes a Location | []Location | []LocationLink | null
// result.
func decodeLocations(raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return nil, nil
	}

	switch raw[0] {
	case '{':
		var location protocol.Location
		if err := json.Unmarshal(raw, &location); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if location.URI == "" {
			return nil, fmt.Errorf("%w: location without uri", ErrDecode)
		}
		return location, nil

	case '[':
		var probe []struct {
			URI       string `json:"uri"`
			TargetURI string `json:"targetUri"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if len(probe) > 0 && probe[0].TargetURI != "" {
			var links []protocol.LocationLink
			if err := json.Unmarshal(raw, &links); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDecode, err)
			}
			return links, nil
		}
		locations := []protocol.Location{}
		if err := json.Unmarshal(raw, &locations); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return locations, nil
	}
	return nil, fmt.Errorf("%w: unexpected result %.40s", ErrDecode, raw)
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// tracedStream remembers the error that ended the read loop and marks
// write failures with ErrWrite.
type tracedStream struct {
	jsonrpc2.ObjectStream

	mu      sync.Mutex
	readErr error
}

func (s *tracedStream) ReadObject(v interface{}) error {
	err := s.ObjectStream.ReadObject(v)
	if err != nil {
		s.mu.Lock()
		if s.readErr == nil {
			s.readErr = err
		}
		s.mu.Unlock()
	}
	return err
}

func (s *tracedStream) WriteObject(obj interface{}) error {
	if err := s.ObjectStream.WriteObject(obj); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

func (s *tracedStream) readError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// pipe joins a child's stdout and stdin into one stream.
type pipe struct {
	io.ReadCloser
	io.WriteCloser
}

func (p *pipe) Close() error {
	werr := p.WriteCloser.Close()
	rerr := p.ReadCloser.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

type rpcLogger struct {
	language string
}

func (l rpcLogger) Printf(format string, v ...interface{}) {
	log.Debugf("%s: %s", l.language, strings.TrimSpace(fmt.Sprintf(format, v...)))
}
