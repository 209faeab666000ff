package server

import (
	"fmt"

	"difflsp/internal/backend"
	"difflsp/internal/scheduler"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

func (s *Server) workspaceExecuteCommand(
	context *glsp.Context,
	params *protocol.ExecuteCommandParams,
) (any, error) {
	log.Infof("command %s %v", params.Command, params.Arguments)

	switch params.Command {
	case CommandRefresh:
		return nil, s.refresh(context, params.Arguments)
	case CommandFetch:
		s.submitFetch()
		return nil, nil
	case CommandStatus:
		return s.status(), nil
	}
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: fmt.Sprintf("unknown command %q", params.Command)}
}

// refresh re-reads the diff behind the URI given as the first argument,
// or every open diff when there is none, and then fetches in the
// background.
func (s *Server) refresh(context *glsp.Context, arguments []any) error {
	uris := s.diffs.URIs()
	if len(arguments) > 0 {
		uri, ok := arguments[0].(string)
		if !ok {
			return &jsonrpc2.Error{
				Code:    jsonrpc2.CodeInvalidParams,
				Message: fmt.Sprintf("refresh: expected a document uri, got %T", arguments[0]),
			}
		}
		uris = []string{uri}
	}

	for _, uri := range uris {
		parsed, err := s.load(uri)
		if err != nil {
			log.Warningf("refresh %s: %v", uri, err)
			continue
		}
		s.openSources(context, parsed)
	}

	s.submitFetch()
	return nil
}

func (s *Server) submitFetch() {
	s.mu.RLock()
	sched := s.scheduler
	s.mu.RUnlock()
	if sched == nil {
		return
	}
	sched.Submit(s.fetchTask())
}

func (s *Server) fetchTask() scheduler.Task {
	return scheduler.Task{
		Name: CommandFetch,
		Execute: func() error {
			s.mu.RLock()
			fetcher := *s.fetcher
			s.mu.RUnlock()
			// the root may have come from a diff header after initialize
			if fetcher.Dir == "" {
				fetcher.Dir = s.resolver.Root()
			}
			_, err := fetcher.Fetch(backgroundContext())
			return err
		},
	}
}

type Status struct {
	Version  string                  `json:"version"`
	Root     string                  `json:"root"`
	Diffs    []DiffStatus            `json:"diffs"`
	Backends []backend.BackendStatus `json:"backends"`
}

type DiffStatus struct {
	URI         string   `json:"uri"`
	Path        string   `json:"path"`
	Dialect     string   `json:"dialect"`
	Files       []string `json:"files"`
	MappedLines int      `json:"mapped_lines"`
}

func (s *Server) status() Status {
	status := Status{
		Version:  s.version,
		Root:     s.resolver.Root(),
		Diffs:    []DiffStatus{},
		Backends: []backend.BackendStatus{},
	}
	for _, uri := range s.diffs.URIs() {
		parsed, ok := s.diffs.Get(uri)
		if !ok {
			continue
		}
		path, _ := s.diffs.Path(uri)
		status.Diffs = append(status.Diffs, DiffStatus{
			URI:         uri,
			Path:        path,
			Dialect:     parsed.Dialect,
			Files:       parsed.Filenames,
			MappedLines: len(parsed.Lines),
		})
	}
	if _, registry := s.session(); registry != nil {
		status.Backends = append(status.Backends, registry.Status()...)
	}
	return status
}
