package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

type handleFunc func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error)

// fakeServer answers initialize and dispatches everything else to
// handlers by method.
type fakeServer struct {
	mu       sync.Mutex
	handlers map[string]handleFunc
	notified []string
}

func (f *fakeServer) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	f.mu.Lock()
	if req.Notif {
		f.notified = append(f.notified, req.Method)
	}
	h, ok := f.handlers[req.Method]
	f.mu.Unlock()

	if ok {
		return h(ctx, conn, req)
	}
	switch req.Method {
	case protocol.MethodInitialize:
		return map[string]any{
			"capabilities": map[string]any{"hoverProvider": true},
			"serverInfo":   map[string]any{"name": "fake-ls"},
		}, nil
	case protocol.MethodShutdown:
		return nil, nil
	}
	if req.Notif {
		return nil, nil
	}
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: req.Method}
}

func (f *fakeServer) notifications() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notified...)
}

func newTestClient(t *testing.T, fake *fakeServer, opts Options) *Client {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	server := jsonrpc2.NewConn(
		context.Background(),
		jsonrpc2.NewBufferedStream(serverSide, Codec{}),
		jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(fake.handle)),
	)
	t.Cleanup(func() { server.Close() })

	client := NewClient("go", Command{Name: "fake-ls"}, opts)
	client.Connect(clientSide)
	return client
}

func initializedClient(t *testing.T, fake *fakeServer, opts Options) *Client {
	t.Helper()
	client := newTestClient(t, fake, opts)
	require.NoError(t, client.Initialize(context.Background(), &protocol.InitializeParams{}))
	require.NoError(t, client.Initialized(context.Background()))
	return client
}

func hoverParams() *protocol.HoverParams {
	return &protocol.HoverParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: "file:///repo/main.go"},
			Position:     protocol.Position{Line: 12, Character: 4},
		},
	}
}

func TestClientInitialize(t *testing.T) {
	client := newTestClient(t, &fakeServer{}, Options{})
	assert.Equal(t, Spawned, client.State())

	require.NoError(t, client.Initialize(context.Background(), &protocol.InitializeParams{}))
	assert.Equal(t, Initialized, client.State())
	assert.Equal(t, "fake-ls", client.ServerName())
}

func TestClientInitializeBadResult(t *testing.T) {
	fake := &fakeServer{handlers: map[string]handleFunc{
		protocol.MethodInitialize: func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) {
			return "not a result", nil
		},
	}}
	client := newTestClient(t, fake, Options{})
	err := client.Initialize(context.Background(), &protocol.InitializeParams{})
	assert.ErrorIs(t, err, ErrDecode)
	assert.Equal(t, Spawned, client.State())
}

func TestClientRequiresInitialize(t *testing.T) {
	client := newTestClient(t, &fakeServer{}, Options{})
	_, err := client.Hover(context.Background(), hoverParams())
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, client.DidOpen(context.Background(), &protocol.DidOpenTextDocumentParams{}), ErrNotInitialized)
}

func TestClientHover(t *testing.T) {
	var got protocol.HoverParams
	fake := &fakeServer{handlers: map[string]handleFunc{
		protocol.MethodTextDocumentHover: func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
			if err := json.Unmarshal(*req.Params, &got); err != nil {
				return nil, err
			}
			return map[string]any{"contents": map[string]any{"kind": "markdown", "value": "func main()"}}, nil
		},
	}}
	client := initializedClient(t, fake, Options{})

	hover, err := client.Hover(context.Background(), hoverParams())
	require.NoError(t, err)
	require.NotNil(t, hover)
	assert.Equal(t, protocol.MarkupContent{Kind: protocol.MarkupKindMarkdown, Value: "func main()"}, hover.Contents)
	assert.Equal(t, protocol.UInteger(12), got.Position.Line)
	assert.Equal(t, "file:///repo/main.go", got.TextDocument.URI)
	assert.Eventually(t, func() bool {
		for _, method := range fake.notifications() {
			if method == protocol.MethodInitialized {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestClientNoResult(t *testing.T) {
	tests := map[string]any{
		"null":     nil,
		"mismatch": 42,
	}
	for name, result := range tests {
		t.Run(name, func(t *testing.T) {
			fake := &fakeServer{handlers: map[string]handleFunc{
				protocol.MethodTextDocumentHover: func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) {
					return result, nil
				},
				protocol.MethodTextDocumentReferences: func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) {
					return result, nil
				},
			}}
			client := initializedClient(t, fake, Options{})

			hover, err := client.Hover(context.Background(), hoverParams())
			assert.NoError(t, err)
			assert.Nil(t, hover)

			refs, err := client.References(context.Background(), &protocol.ReferenceParams{})
			assert.NoError(t, err)
			assert.Nil(t, refs)
		})
	}
}

func TestClientDefinition(t *testing.T) {
	fake := &fakeServer{handlers: map[string]handleFunc{
		protocol.MethodTextDocumentDefinition: func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) {
			return []protocol.Location{{URI: "file:///repo/log.go", Range: protocol.Range{Start: protocol.Position{Line: 3}}}}, nil
		},
	}}
	client := initializedClient(t, fake, Options{})

	result, err := client.Definition(context.Background(), &protocol.DefinitionParams{})
	require.NoError(t, err)
	locations, ok := result.([]protocol.Location)
	require.True(t, ok, "got %T", result)
	require.Len(t, locations, 1)
	assert.Equal(t, "file:///repo/log.go", locations[0].URI)
}

func TestClientBackendErrorResponse(t *testing.T) {
	fake := &fakeServer{handlers: map[string]handleFunc{
		protocol.MethodTextDocumentHover: func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: "no identifier found"}
		},
	}}
	client := initializedClient(t, fake, Options{})

	_, err := client.Hover(context.Background(), hoverParams())
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "no identifier found", rpcErr.Message)
	assert.Equal(t, Initialized, client.State())
}

func TestClientTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	fake := &fakeServer{handlers: map[string]handleFunc{
		protocol.MethodTextDocumentHover: func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) {
			<-release
			return nil, nil
		},
	}}
	client := initializedClient(t, fake, Options{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := client.Hover(context.Background(), hoverParams())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	var backendErr *Error
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "go", backendErr.Language)
	assert.Equal(t, protocol.MethodTextDocumentHover, backendErr.Op)
}

func TestClientAnswersConfigurationRequest(t *testing.T) {
	var answer []any
	fake := &fakeServer{handlers: map[string]handleFunc{
		protocol.MethodTextDocumentHover: func(ctx context.Context, conn *jsonrpc2.Conn, _ *jsonrpc2.Request) (any, error) {
			params := map[string]any{"items": []any{map[string]any{"section": "gopls"}, map[string]any{}}}
			if err := conn.Call(ctx, "workspace/configuration", params, &answer); err != nil {
				return nil, err
			}
			if err := conn.Notify(ctx, "window/logMessage", map[string]any{"type": 3, "message": "hi"}); err != nil {
				return nil, err
			}
			return map[string]any{"contents": "plain"}, nil
		},
	}}
	client := initializedClient(t, fake, Options{Timeout: time.Second})

	hover, err := client.Hover(context.Background(), hoverParams())
	require.NoError(t, err)
	assert.NotNil(t, hover)
	assert.Equal(t, []any{nil, nil}, answer)
}

func TestClientUnsupportedServerRequest(t *testing.T) {
	var callErr error
	fake := &fakeServer{handlers: map[string]handleFunc{
		protocol.MethodTextDocumentHover: func(ctx context.Context, conn *jsonrpc2.Conn, _ *jsonrpc2.Request) (any, error) {
			callErr = conn.Call(ctx, "custom/whatever", nil, nil)
			return nil, nil
		},
	}}
	client := initializedClient(t, fake, Options{Timeout: time.Second})

	_, err := client.Hover(context.Background(), hoverParams())
	require.NoError(t, err)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, callErr, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeMethodNotFound), rpcErr.Code)
}

func TestClientFramingErrorClosesConnection(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	go func() {
		r := bufio.NewReader(serverSide)
		if _, err := ReadFrame(r); err != nil {
			return
		}
		serverSide.Write([]byte("this is not a header\r\n\r\n"))
	}()

	client := NewClient("go", Command{}, Options{Timeout: time.Second})
	client.Connect(clientSide)

	err := client.Initialize(context.Background(), &protocol.InitializeParams{})
	assert.ErrorIs(t, err, ErrClosed)
	var framing *FramingError
	assert.ErrorAs(t, err, &framing)

	assert.Eventually(t, func() bool { return client.State() == Closed }, time.Second, 10*time.Millisecond)
	_, err = client.Hover(context.Background(), hoverParams())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClientClose(t *testing.T) {
	fake := &fakeServer{}
	client := initializedClient(t, fake, Options{})

	require.NoError(t, client.Close())
	assert.Equal(t, Closed, client.State())

	_, err := client.Hover(context.Background(), hoverParams())
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
}

func TestDecodeLocations(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want any
	}{
		{"null", `null`, nil},
		{"single", `{"uri":"file:///a.go","range":{"start":{"line":1,"character":2},"end":{"line":1,"character":5}}}`,
			protocol.Location{URI: "file:///a.go", Range: protocol.Range{Start: protocol.Position{Line: 1, Character: 2}, End: protocol.Position{Line: 1, Character: 5}}}},
		{"empty", `[]`, []protocol.Location{}},
		{"list", `[{"uri":"file:///a.go","range":{"start":{"line":0,"character":0},"end":{"line":0,"character":0}}}]`,
			[]protocol.Location{{URI: "file:///a.go"}}},
		{"links", `[{"targetUri":"file:///b.go","targetRange":{"start":{"line":4,"character":0},"end":{"line":4,"character":1}},"targetSelectionRange":{"start":{"line":4,"character":0},"end":{"line":4,"character":1}}}]`,
			[]protocol.LocationLink{{
				TargetURI:            "file:///b.go",
				TargetRange:          protocol.Range{Start: protocol.Position{Line: 4}, End: protocol.Position{Line: 4, Character: 1}},
				TargetSelectionRange: protocol.Range{Start: protocol.Position{Line: 4}, End: protocol.Position{Line: 4, Character: 1}},
			}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeLocations(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, raw := range []string{`42`, `"x"`, `{"range":{}}`, `[1,2]`} {
		_, err := decodeLocations(json.RawMessage(raw))
		assert.ErrorIs(t, err, ErrDecode, raw)
	}
}

func TestClientSerializesRequests(t *testing.T) {
	var (
		mu          sync.Mutex
		inFlight    int
		maxInFlight int
	)
	fake := &fakeServer{handlers: map[string]handleFunc{
		protocol.MethodTextDocumentHover: func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) {
			mu.Lock()
			inFlight++
			maxInFlight = max(maxInFlight, inFlight)
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil, nil
		},
	}}
	client := initializedClient(t, fake, Options{})

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Hover(context.Background(), hoverParams())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight)
}

func TestClientStartReportsStderr(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	client := NewClient("go", Command{Name: "sh", Args: []string{"-c", "echo boom >&2; exit 3"}}, Options{Timeout: 5 * time.Second})
	require.NoError(t, client.Start())
	defer client.Close()

	err := client.Initialize(context.Background(), &protocol.InitializeParams{})
	require.Error(t, err)

	var backendErr *Error
	require.ErrorAs(t, err, &backendErr)
	assert.Contains(t, backendErr.Stderr, "boom")
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, client.Stderr(), "boom")
}

func TestClientInitializedSentOnce(t *testing.T) {
	fake := &fakeServer{}
	client := initializedClient(t, fake, Options{})
	require.NoError(t, client.Initialized(context.Background()))
	require.NoError(t, client.DidOpen(context.Background(), &protocol.DidOpenTextDocumentParams{}))

	require.Eventually(t, func() bool {
		return len(fake.notifications()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{protocol.MethodInitialized, protocol.MethodTextDocumentDidOpen}, fake.notifications())
}
