package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"difflsp/internal/backend"
	"difflsp/internal/config"
	"difflsp/internal/resolver"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

const testDiff = `Project: magit: demo
Root: %ROOT%/
Buffer: demo
Type: magit-status

Unstaged changes (2)
modified   main.go
@@ -1,3 +1,4 @@
 package main
+import "fmt"

 func main() {}

modified   app/tool.py
@@ -1 +1 @@
-print("a")
+print("b")

Recent commits
`

const mainGo = "package main\nimport \"fmt\"\n\nfunc main() {}\n"

type message struct {
	Method string
	Params json.RawMessage
}

// fakeBackend stands in for a backend language server.
type fakeBackend struct {
	mu       sync.Mutex
	messages []message
	hover    func(params protocol.HoverParams) (any, error)
}

func (f *fakeBackend) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}
	f.mu.Lock()
	f.messages = append(f.messages, message{Method: req.Method, Params: params})
	hover := f.hover
	f.mu.Unlock()

	switch req.Method {
	case protocol.MethodInitialize:
		return map[string]any{
			"capabilities": map[string]any{"hoverProvider": true},
			"serverInfo":   map[string]any{"name": "fake-gopls"},
		}, nil
	case protocol.MethodTextDocumentHover:
		var p protocol.HoverParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		if hover == nil {
			return nil, nil
		}
		return hover(p)
	case protocol.MethodTextDocumentDefinition:
		return []map[string]any{{
			"uri":   "file:///elsewhere/fmt.go",
			"range": map[string]any{"start": map[string]any{"line": 3, "character": 0}, "end": map[string]any{"line": 3, "character": 5}},
		}}, nil
	}
	return nil, nil
}

func (f *fakeBackend) received(method string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var params []json.RawMessage
	for _, m := range f.messages {
		if m.Method == method {
			params = append(params, m.Params)
		}
	}
	return params
}

// versions lists the document versions the backend saw for uri, in the
// order they arrived.
func (f *fakeBackend) versions(uri protocol.DocumentUri) []protocol.Integer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var versions []protocol.Integer
	for _, m := range f.messages {
		if m.Method != protocol.MethodTextDocumentDidOpen && m.Method != protocol.MethodTextDocumentDidChange {
			continue
		}
		var params struct {
			TextDocument struct {
				URI     string           `json:"uri"`
				Version protocol.Integer `json:"version"`
			} `json:"textDocument"`
		}
		if json.Unmarshal(m.Params, &params) == nil && params.TextDocument.URI == uri {
			versions = append(versions, params.TextDocument.Version)
		}
	}
	return versions
}

// editor is the client side of a session under test.
type editor struct {
	t    *testing.T
	conn *jsonrpc2.Conn
	done chan error

	mu      sync.Mutex
	logged  []protocol.LogMessageParams
	backend *fakeBackend
	root    string
	diffURI protocol.DocumentUri
}

func (e *editor) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if req.Method == protocol.ServerWindowLogMessage && req.Params != nil {
		var params protocol.LogMessageParams
		if err := json.Unmarshal(*req.Params, &params); err == nil {
			e.mu.Lock()
			e.logged = append(e.logged, params)
			e.mu.Unlock()
		}
	}
	return nil, nil
}

func (e *editor) logMessages() []protocol.LogMessageParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.LogMessageParams(nil), e.logged...)
}

func (e *editor) call(method string, params, result any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.conn.Call(ctx, method, params, result)
}

func (e *editor) notify(method string, params any) {
	require.NoError(e.t, e.conn.Notify(context.Background(), method, params))
}

// newSession starts a server on one end of a pipe and returns the editor
// end. Backends for languages in failing do not start.
func newSession(t *testing.T, failing ...string) (*Server, *editor) {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte(mainGo), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app", "tool.py"), []byte("print(\"b\")\n"), 0o644))
	diffPath := filepath.Join(root, "demo.magit")
	require.NoError(t, os.WriteFile(diffPath, []byte(strings.ReplaceAll(testDiff, "%ROOT%", root)), 0o644))

	fake := &fakeBackend{}
	s := NewServer(config.Default(), "test")
	s.startBackend = func(ctx context.Context, c *backend.Client, params *protocol.InitializeParams) error {
		for _, language := range failing {
			if c.Language == language {
				return &backend.Error{Language: language, Op: "start", Err: backend.ErrSpawn}
			}
		}
		clientSide, serverSide := net.Pipe()
		conn := jsonrpc2.NewConn(
			context.Background(),
			jsonrpc2.NewBufferedStream(serverSide, backend.Codec{}),
			jsonrpc2.HandlerWithError(fake.handle),
		)
		t.Cleanup(func() { conn.Close() })
		c.Connect(clientSide)
		return c.Initialize(ctx, params)
	}

	e := &editor{
		t:       t,
		done:    make(chan error, 1),
		backend: fake,
		root:    root,
		diffURI: resolver.URIFromPath(diffPath),
	}
	serverSide, editorSide := net.Pipe()
	go func() {
		e.done <- s.ServeStream(context.Background(), serverSide)
	}()
	e.conn = jsonrpc2.NewConn(
		context.Background(),
		jsonrpc2.NewBufferedStream(editorSide, backend.Codec{}),
		jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(e.handle)),
	)
	t.Cleanup(func() {
		e.conn.Close()
		s.Close()
	})
	return s, e
}

// open runs the handshake and opens the diff buffer.
func (e *editor) open() {
	var result json.RawMessage
	require.NoError(e.t, e.call(protocol.MethodInitialize, map[string]any{
		"processId": nil,
		"rootUri":   nil,
		"initializationOptions": map[string]any{
			"fetch_command": []string{"true"},
		},
		"capabilities": map[string]any{},
	}, &result))
	e.notify(protocol.MethodInitialized, &protocol.InitializedParams{})
	e.notify(protocol.MethodTextDocumentDidOpen, &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        e.diffURI,
			LanguageID: "magit",
			Version:    1,
			Text:       "ignored",
		},
	})
}

func hoverAt(uri protocol.DocumentUri, line, character protocol.UInteger) *protocol.HoverParams {
	return &protocol.HoverParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: uri},
			Position:     protocol.Position{Line: line, Character: character},
		},
	}
}

func TestInitializeCapabilities(t *testing.T) {
	_, e := newSession(t)

	var result struct {
		Capabilities struct {
			HoverProvider          bool `json:"hoverProvider"`
			DefinitionProvider     bool `json:"definitionProvider"`
			TypeDefinitionProvider bool `json:"typeDefinitionProvider"`
			ReferencesProvider     bool `json:"referencesProvider"`
			ExecuteCommandProvider struct {
				Commands []string `json:"commands"`
			} `json:"executeCommandProvider"`
		} `json:"capabilities"`
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	require.NoError(t, e.call(protocol.MethodInitialize, map[string]any{"capabilities": map[string]any{}}, &result))

	assert.True(t, result.Capabilities.HoverProvider)
	assert.True(t, result.Capabilities.DefinitionProvider)
	assert.True(t, result.Capabilities.TypeDefinitionProvider)
	assert.True(t, result.Capabilities.ReferencesProvider)
	assert.Equal(t, []string{CommandRefresh, CommandFetch, CommandStatus}, result.Capabilities.ExecuteCommandProvider.Commands)
	assert.Equal(t, Name, result.ServerInfo.Name)
	assert.Equal(t, "test", result.ServerInfo.Version)

	err := e.call(protocol.MethodInitialize, map[string]any{"capabilities": map[string]any{}}, nil)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeInvalidRequest), rpcErr.Code)
}

func TestRequestBeforeInitialize(t *testing.T) {
	_, e := newSession(t)

	err := e.call(protocol.MethodTextDocumentHover, hoverAt("file:///x", 0, 0), nil)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(codeServerNotInitialized), rpcErr.Code)
}

func TestInvalidInitializationOptions(t *testing.T) {
	_, e := newSession(t)

	err := e.call(protocol.MethodInitialize, map[string]any{
		"capabilities":          map[string]any{},
		"initializationOptions": map[string]any{"request_timeout_ms": -1},
	}, nil)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeInvalidParams), rpcErr.Code)
}

func TestDidOpenOpensSources(t *testing.T) {
	_, e := newSession(t)
	e.open()

	require.Eventually(t, func() bool {
		return len(e.backend.received(protocol.MethodTextDocumentDidOpen)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	opened := map[string]protocol.TextDocumentItem{}
	for _, raw := range e.backend.received(protocol.MethodTextDocumentDidOpen) {
		var params protocol.DidOpenTextDocumentParams
		require.NoError(t, json.Unmarshal(raw, &params))
		opened[params.TextDocument.URI] = params.TextDocument
	}

	goDoc, ok := opened[resolver.URIFromPath(filepath.Join(e.root, "main.go"))]
	require.True(t, ok, "main.go should be opened: %v", opened)
	assert.Equal(t, mainGo, goDoc.Text)
	assert.Equal(t, "go", goDoc.LanguageID)
	assert.Equal(t, protocol.Integer(1), goDoc.Version)

	pyDoc, ok := opened[resolver.URIFromPath(filepath.Join(e.root, "app", "tool.py"))]
	require.True(t, ok)
	assert.Equal(t, "python", pyDoc.LanguageID)

	// backends started after the editor's initialized get their own
	assert.Len(t, e.backend.received(protocol.MethodInitialized), 2)

	var initParams protocol.InitializeParams
	require.NoError(t, json.Unmarshal(e.backend.received(protocol.MethodInitialize)[0], &initParams))
	require.NotNil(t, initParams.RootURI)
	assert.Equal(t, resolver.URIFromPath(e.root), *initParams.RootURI)
}

func TestHoverRewritesPosition(t *testing.T) {
	_, e := newSession(t)
	e.backend.hover = func(params protocol.HoverParams) (any, error) {
		return map[string]any{
			"contents": map[string]any{"kind": "markdown", "value": "package fmt"},
			"range": map[string]any{
				"start": map[string]any{"line": params.Position.Line, "character": 7},
				"end":   map[string]any{"line": params.Position.Line, "character": 12},
			},
		}, nil
	}
	e.open()

	// editor line 9 is `+import "fmt"`, source line 2
	var result struct {
		Contents protocol.MarkupContent `json:"contents"`
		Range    *protocol.Range        `json:"range"`
	}
	require.NoError(t, e.call(protocol.MethodTextDocumentHover, hoverAt(e.diffURI, 9, 9), &result))
	assert.Equal(t, "package fmt", result.Contents.Value)
	require.NotNil(t, result.Range)
	assert.Equal(t, protocol.Range{
		Start: protocol.Position{Line: 9, Character: 8},
		End:   protocol.Position{Line: 9, Character: 13},
	}, *result.Range)

	hovers := e.backend.received(protocol.MethodTextDocumentHover)
	require.Len(t, hovers, 1)
	var forwarded protocol.HoverParams
	require.NoError(t, json.Unmarshal(hovers[0], &forwarded))
	assert.Equal(t, resolver.URIFromPath(filepath.Join(e.root, "main.go")), forwarded.TextDocument.URI)
	assert.Equal(t, protocol.Position{Line: 1, Character: 8}, forwarded.Position)
}

func TestHoverOnUnmappedLine(t *testing.T) {
	_, e := newSession(t)
	e.open()

	// editor line 6 is the `modified   main.go` marker
	hover := &protocol.MarkupContent{}
	require.NoError(t, e.call(protocol.MethodTextDocumentHover, hoverAt(e.diffURI, 6, 3), &hover))
	assert.Nil(t, hover)
	assert.Empty(t, e.backend.received(protocol.MethodTextDocumentHover))
}

func TestDefinitionWithoutDiff(t *testing.T) {
	_, e := newSession(t)
	e.open()

	err := e.call(protocol.MethodTextDocumentDefinition, hoverAt("file:///not/open.magit", 9, 1), nil)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(codeRequestFailed), rpcErr.Code)
}

func TestDefinitionPassesLocations(t *testing.T) {
	_, e := newSession(t)
	e.open()

	var locations []protocol.Location
	require.NoError(t, e.call(protocol.MethodTextDocumentDefinition, hoverAt(e.diffURI, 11, 6), &locations))
	require.Len(t, locations, 1)
	assert.Equal(t, "file:///elsewhere/fmt.go", locations[0].URI)

	var forwarded protocol.DefinitionParams
	require.NoError(t, json.Unmarshal(e.backend.received(protocol.MethodTextDocumentDefinition)[0], &forwarded))
	// unmodified lines keep their column
	assert.Equal(t, protocol.Position{Line: 3, Character: 6}, forwarded.Position)
}

func TestBackendFailureIsReported(t *testing.T) {
	_, e := newSession(t, "python")
	e.open()

	require.Eventually(t, func() bool {
		return len(e.logMessages()) > 0
	}, 2*time.Second, 10*time.Millisecond)
	logged := e.logMessages()[0]
	assert.Equal(t, protocol.MessageTypeError, logged.Type)
	assert.Contains(t, logged.Message, "python")

	// go is unaffected
	require.Eventually(t, func() bool {
		return len(e.backend.received(protocol.MethodTextDocumentDidOpen)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// editor line 16 is `+print("b")`
	err := e.call(protocol.MethodTextDocumentReferences, &protocol.ReferenceParams{
		TextDocumentPositionParams: hoverAt(e.diffURI, 16, 2).TextDocumentPositionParams,
	}, nil)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(codeRequestFailed), rpcErr.Code)
}

func TestRefreshSendsChanges(t *testing.T) {
	_, e := newSession(t)
	e.open()
	require.Eventually(t, func() bool {
		return len(e.backend.received(protocol.MethodTextDocumentDidOpen)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	updated := mainGo + "\nfunc helper() {}\n"
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "main.go"), []byte(updated), 0o644))
	require.NoError(t, e.call(protocol.MethodWorkspaceExecuteCommand, &protocol.ExecuteCommandParams{
		Command:   CommandRefresh,
		Arguments: []any{e.diffURI},
	}, nil))

	require.Eventually(t, func() bool {
		return len(e.backend.received(protocol.MethodTextDocumentDidChange)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	var changed bool
	for _, raw := range e.backend.received(protocol.MethodTextDocumentDidChange) {
		var params struct {
			TextDocument   protocol.VersionedTextDocumentIdentifier `json:"textDocument"`
			ContentChanges []struct {
				Text string `json:"text"`
			} `json:"contentChanges"`
		}
		require.NoError(t, json.Unmarshal(raw, &params))
		assert.Equal(t, protocol.Integer(2), params.TextDocument.Version)
		if strings.HasSuffix(params.TextDocument.URI, "/main.go") {
			changed = true
			require.Len(t, params.ContentChanges, 1)
			assert.Equal(t, updated, params.ContentChanges[0].Text)
		}
	}
	assert.True(t, changed)
}

func TestConcurrentRefreshKeepsVersionOrder(t *testing.T) {
	_, e := newSession(t)
	e.open()
	require.Eventually(t, func() bool {
		return len(e.backend.received(protocol.MethodTextDocumentDidOpen)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.call(protocol.MethodWorkspaceExecuteCommand, &protocol.ExecuteCommandParams{
				Command:   CommandRefresh,
				Arguments: []any{e.diffURI},
			}, nil))
		}()
	}
	wg.Wait()

	mainURI := resolver.URIFromPath(filepath.Join(e.root, "main.go"))
	require.Eventually(t, func() bool {
		return len(e.backend.versions(mainURI)) == 6
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []protocol.Integer{1, 2, 3, 4, 5, 6}, e.backend.versions(mainURI))
	assert.Len(t, e.backend.received(protocol.MethodTextDocumentDidOpen), 2)
	assert.Len(t, e.backend.received(protocol.MethodInitialized), 2)
}

func TestStatusCommand(t *testing.T) {
	_, e := newSession(t)
	e.open()

	var status Status
	require.NoError(t, e.call(protocol.MethodWorkspaceExecuteCommand, &protocol.ExecuteCommandParams{
		Command: CommandStatus,
	}, &status))

	assert.Equal(t, e.root, status.Root)
	require.Len(t, status.Diffs, 1)
	assert.Equal(t, "magit-status", status.Diffs[0].Dialect)
	assert.Equal(t, []string{"main.go", "app/tool.py"}, status.Diffs[0].Files)
	require.Len(t, status.Backends, 2)
	assert.Equal(t, "go", status.Backends[0].Language)
	assert.Equal(t, "initialized", status.Backends[0].State)
	assert.Equal(t, "fake-gopls", status.Backends[0].Server)

	err := e.call(protocol.MethodWorkspaceExecuteCommand, &protocol.ExecuteCommandParams{Command: "nope"}, nil)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeInvalidParams), rpcErr.Code)
}

func TestShutdownAndExit(t *testing.T) {
	s, e := newSession(t)
	e.open()
	require.Eventually(t, func() bool {
		return len(e.backend.received(protocol.MethodTextDocumentDidOpen)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.call(protocol.MethodShutdown, nil, nil))
	assert.True(t, s.ShutdownReceived())
	assert.NotEmpty(t, e.backend.received(protocol.MethodShutdown))

	err := e.call(protocol.MethodTextDocumentHover, hoverAt(e.diffURI, 9, 1), nil)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeInvalidRequest), rpcErr.Code)

	e.notify(protocol.MethodExit, nil)
	select {
	case err := <-e.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after exit")
	}
	select {
	case <-s.Exited():
	default:
		t.Fatal("exit not recorded")
	}
}

func TestExitWithoutShutdown(t *testing.T) {
	s, e := newSession(t)
	e.notify(protocol.MethodExit, nil)

	select {
	case <-e.done:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after exit")
	}
	assert.False(t, s.ShutdownReceived())
}

func TestRPCError(t *testing.T) {
	backendErr := &jsonrpc2.Error{Code: -32801, Message: "content modified"}
	tests := []struct {
		name string
		err  error
		code int64
	}{
		{"backend response", &backend.Error{Language: "go", Op: "hover", Err: backendErr}, -32801},
		{"no diff", ErrNoDiff, codeRequestFailed},
		{"no backend", errors.Join(errors.New("go"), ErrNoBackend), codeRequestFailed},
		{"timeout", &backend.Error{Language: "go", Op: "hover", Err: backend.ErrTimeout}, codeRequestFailed},
		{"closed", &backend.Error{Language: "go", Op: "hover", Err: backend.ErrClosed}, jsonrpc2.CodeInternalError},
		{"spawn", &backend.Error{Language: "go", Op: "start", Err: backend.ErrSpawn, Stderr: "secret"}, jsonrpc2.CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rpcError(tt.err)
			assert.Equal(t, tt.code, got.Code)
			if tt.code == jsonrpc2.CodeInternalError {
				assert.Equal(t, "server error", got.Message)
			}
		})
	}
}
