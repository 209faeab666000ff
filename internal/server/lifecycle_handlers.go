package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"difflsp/internal/backend"
	"difflsp/internal/config"
	"difflsp/internal/diff"
	"difflsp/internal/resolver"
	"difflsp/internal/scheduler"
	"difflsp/internal/vcs"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

// Commands understood by workspace/executeCommand.
const (
	CommandRefresh = "refresh"
	CommandFetch   = "fetch"
	CommandStatus  = "status"
)

func (s *Server) initialize(
	context *glsp.Context,
	params *protocol.InitializeParams,
) (any, error) {
	// Config
	cfg, err := s.base.Overlay(params.InitializationOptions)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "initializationOptions: " + err.Error()}
	}
	log.Debugf("config: %+v", cfg)

	// Root
	root := cfg.Root
	if root == "" {
		root = resolver.RootFromParams(params)
	}
	s.resolver.SetRoot(root)

	registry := backend.NewRegistry(backendCommands(cfg), backend.Options{
		Timeout:     cfg.RequestTimeout(),
		StderrBytes: cfg.StderrTailBytes,
	})
	if s.startBackend != nil {
		registry.SetStartFunc(s.startBackend)
	}

	sched := scheduler.NewScheduler(taskQueueSize)
	sched.Run()

	s.mu.Lock()
	s.config = cfg
	s.registry = registry
	s.scheduler = sched
	s.fetcher = vcs.NewFetcher(cfg.FetchCommand, root, fetchTimeout)
	s.mu.Unlock()

	// Startup diff
	if cfg.DiffFile != "" {
		s.loadStartupDiff(context, cfg.DiffFile)
	}

	if interval := cfg.FetchInterval(); interval > 0 {
		sched.SchedulePeriodicTask(interval, s.fetchTask())
	}

	capabilities := s.handler.CreateServerCapabilities()
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: &protocol.True,
		Change:    ptr(protocol.TextDocumentSyncKindNone),
	}
	capabilities.ExecuteCommandProvider = &protocol.ExecuteCommandOptions{
		Commands: []string{CommandRefresh, CommandFetch, CommandStatus},
	}

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    Name,
			Version: &s.version,
		},
	}, nil
}

// loadStartupDiff parses the configured diff so its backends come up as
// part of initialize.
func (s *Server) loadStartupDiff(context *glsp.Context, path string) {
	path, err := filepath.Abs(path)
	if err != nil {
		log.Errorf("diff_file: %v", err)
		return
	}
	uri := resolver.URIFromPath(path)
	parsed, err := s.diffs.Load(uri, path)
	if err != nil {
		log.Errorf("diff_file: %v", err)
		return
	}
	if s.resolver.SetRootIfEmpty(parsed.Root()) {
		log.Infof("root taken from %s: %s", path, s.resolver.Root())
	}
	s.ensureBackends(context, parsed.FileTypes())
}

// ensureBackends starts backends for the given languages that have none
// yet and reports the ones that cannot be started to the editor. It
// returns the languages that came up.
func (s *Server) ensureBackends(context *glsp.Context, types []diff.FileType) []diff.FileType {
	_, registry := s.session()
	if registry == nil {
		return nil
	}

	var missing []diff.FileType
	for _, ft := range types {
		if _, ok := registry.Get(ft); !ok && registry.Failed(ft) == nil {
			missing = append(missing, ft)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	started, err := registry.Ensure(backgroundContext(), missing, s.backendInitParams())
	if err == nil {
		return started
	}
	for _, ft := range missing {
		if _, ok := registry.Get(ft); ok {
			continue
		}
		message := fmt.Sprintf("%s: no backend command configured", ft)
		if err := registry.Failed(ft); err != nil {
			message = fmt.Sprintf("%s backend unavailable: %v", ft, err)
		}
		if context != nil && context.Notify != nil {
			context.Notify(protocol.ServerWindowLogMessage, protocol.LogMessageParams{
				Type:    protocol.MessageTypeError,
				Message: message,
			})
		}
	}
	return started
}

// backendInitParams is what the proxy announces to each backend.
func (s *Server) backendInitParams() *protocol.InitializeParams {
	pid := protocol.Integer(os.Getpid())
	params := &protocol.InitializeParams{
		ProcessID: &pid,
		Capabilities: protocol.ClientCapabilities{
			TextDocument: &protocol.TextDocumentClientCapabilities{
				Synchronization: &protocol.TextDocumentSyncClientCapabilities{},
				Hover: &protocol.HoverClientCapabilities{
					ContentFormat: []protocol.MarkupKind{protocol.MarkupKindMarkdown, protocol.MarkupKindPlainText},
				},
				Definition:     &protocol.DefinitionClientCapabilities{},
				TypeDefinition: &protocol.TypeDefinitionClientCapabilities{},
				References:     &protocol.ReferenceClientCapabilities{},
			},
		},
	}

	if root := s.resolver.Root(); root != "" {
		uri := resolver.URIFromPath(root)
		params.RootURI = &uri
		params.RootPath = &root
		params.WorkspaceFolders = []protocol.WorkspaceFolder{{URI: uri, Name: filepath.Base(root)}}
	}
	return params
}

func (s *Server) initialized(
	context *glsp.Context,
	params *protocol.InitializedParams,
) error {
	// a backend registered after this point is announced by openSources
	s.mu.Lock()
	s.ready = true
	registry := s.registry
	s.mu.Unlock()

	if registry != nil {
		if err := registry.Initialized(backgroundContext(), registry.Languages()); err != nil {
			log.Errorf("initialized: %v", err)
		}
	}

	log.Info("client initialized")
	return nil
}

func (s *Server) shutdownHandler(context *glsp.Context) error {
	log.Info("shutting down")
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	if err := s.Close(); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	return nil
}

func (s *Server) exit(context *glsp.Context) error {
	s.markExited()
	return nil
}

func (s *Server) markExited() {
	s.exitOnce.Do(func() {
		log.Info("exit")
		close(s.exited)
	})
}

func (s *Server) setTrace(context *glsp.Context, params *protocol.SetTraceParams) error {
	protocol.SetTraceValue(params.Value)
	return nil
}

// cancelRequest is accepted and ignored; backend requests are bounded by
// the request timeout instead.
func (s *Server) cancelRequest(context *glsp.Context, params *protocol.CancelParams) error {
	return nil
}

// backendCommands maps each configured language to its command. An empty
// working directory means the project root known when the backend starts.
func backendCommands(cfg config.Config) map[diff.FileType]backend.Command {
	commands := make(map[diff.FileType]backend.Command)
	for _, ft := range diff.FileTypes() {
		lang, ok := cfg.Language(ft)
		if !ok {
			continue
		}
		commands[ft] = backend.Command{Name: lang.Command, Args: lang.Args, Dir: lang.WorkingDir}
	}
	return commands
}

func backgroundContext() context.Context {
	return context.Background()
}

func ptr[T any](v T) *T {
	return &v
}
