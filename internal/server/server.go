package server

import (
	"errors"
	"sync"
	"time"

	"difflsp/internal/backend"
	"difflsp/internal/config"
	"difflsp/internal/manager"
	"difflsp/internal/resolver"
	"difflsp/internal/scheduler"
	"difflsp/internal/vcs"

	"github.com/tliron/commonlog"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

var log = commonlog.GetLogger("difflsp.server")

const Name = "difflsp"

var (
	ErrNoDiff    = errors.New("no diff is open for this document")
	ErrNoMapping = errors.New("position does not map to a source line")
	ErrNoBackend = errors.New("no backend for this file type")
)

const (
	fetchTimeout  = 2 * time.Minute
	taskQueueSize = 8
)

// Server is one proxy session: the editor on one side, a backend language
// server per language on the other.
type Server struct {
	handler *protocol.Handler
	version string
	base    config.Config

	mu        sync.RWMutex
	config    config.Config
	registry  *backend.Registry
	scheduler *scheduler.Scheduler
	fetcher   *vcs.Fetcher
	ready     bool
	shutdown  bool

	diffs    *manager.DiffManager
	resolver *resolver.Resolver

	// source documents opened on backends, by URI
	openMu sync.Mutex
	opened map[protocol.DocumentUri]*sourceDocument

	closeOnce sync.Once
	exited    chan struct{}
	exitOnce  sync.Once

	startBackend backend.StartFunc
}

// NewServer creates a session. cfg holds the settings from defaults, the
// config file and the environment; the editor's initializationOptions are
// applied on top during initialize.
func NewServer(cfg config.Config, version string) *Server {
	s := &Server{
		version:  version,
		base:     cfg,
		config:   cfg,
		diffs:    manager.NewDiffManager(),
		resolver: resolver.New(""),
		opened:   make(map[protocol.DocumentUri]*sourceDocument),
		exited:   make(chan struct{}),
	}
	s.handler = &protocol.Handler{
		Initialize:                 s.initialize,
		Initialized:                s.initialized,
		Shutdown:                   s.shutdownHandler,
		Exit:                       s.exit,
		SetTrace:                   s.setTrace,
		CancelRequest:              s.cancelRequest,
		TextDocumentDidOpen:        s.textDocumentDidOpen,
		TextDocumentDidClose:       s.textDocumentDidClose,
		TextDocumentHover:          s.textDocumentHover,
		TextDocumentDefinition:     s.textDocumentDefinition,
		TextDocumentTypeDefinition: s.textDocumentTypeDefinition,
		TextDocumentReferences:     s.textDocumentReferences,
		WorkspaceExecuteCommand:    s.workspaceExecuteCommand,
	}
	return s
}

// ShutdownReceived reports whether the editor asked for shutdown before
// exiting.
func (s *Server) ShutdownReceived() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shutdown
}

// Exited is closed once the editor sends exit.
func (s *Server) Exited() <-chan struct{} {
	return s.exited
}

// Close stops background work and every backend. It is safe to call more
// than once and after shutdown.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.RLock()
		sched, registry := s.scheduler, s.registry
		s.mu.RUnlock()

		if sched != nil {
			sched.Stop()
		}
		if registry != nil {
			err = registry.CloseAll()
		}
		s.diffs.CloseAll()

		s.openMu.Lock()
		s.opened = make(map[protocol.DocumentUri]*sourceDocument)
		s.openMu.Unlock()
	})
	return err
}

func (s *Server) session() (config.Config, *backend.Registry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config, s.registry
}

func (s *Server) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}
