package server

import (
	"errors"
	"os"
	"sync"

	"difflsp/internal/backend"
	"difflsp/internal/diff"
	"difflsp/internal/resolver"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

// textDocumentDidOpen parses the diff behind the opened buffer, brings up
// backends for its languages and opens every referenced source file on
// them. The buffer text the editor sends is ignored: the diff is re-read
// from disk.
func (s *Server) textDocumentDidOpen(
	context *glsp.Context,
	params *protocol.DidOpenTextDocumentParams,
) error {
	uri := params.TextDocument.URI
	parsed, err := s.load(uri)
	if err != nil {
		// not a diff we understand; nothing to proxy
		log.Warningf("didOpen %s: %v", uri, err)
		return nil
	}

	s.openSources(context, parsed)
	return nil
}

func (s *Server) textDocumentDidClose(
	context *glsp.Context,
	params *protocol.DidCloseTextDocumentParams,
) error {
	uri := params.TextDocument.URI
	if _, err := s.diffs.Reload(uri); err != nil {
		log.Warningf("didClose %s: %v", uri, err)
	}
	return nil
}

// load reads and parses the diff file behind uri, replacing any cached
// parse of it.
func (s *Server) load(uri protocol.DocumentUri) (*diff.ParsedDiff, error) {
	path, err := resolver.PathFromURI(uri)
	if err != nil {
		return nil, err
	}
	parsed, err := s.diffs.Load(uri, path)
	if err != nil {
		return nil, err
	}
	if s.resolver.SetRootIfEmpty(parsed.Root()) {
		log.Infof("root taken from %s: %s", uri, s.resolver.Root())
	}
	return parsed, nil
}

// openSources makes sure the backends for a diff's languages are running
// and hold the current on-disk contents of each file the diff names.
func (s *Server) openSources(context *glsp.Context, parsed *diff.ParsedDiff) {
	started := s.ensureBackends(context, parsed.FileTypes())
	_, registry := s.session()
	if registry == nil {
		return
	}
	if len(started) > 0 && s.isReady() {
		if err := registry.Initialized(backgroundContext(), started); err != nil {
			log.Errorf("initialized: %v", err)
		}
	}

	for _, ft := range parsed.FileTypes() {
		client, ok := registry.Get(ft)
		if !ok {
			continue
		}
		languageID := s.languageID(ft)
		for _, filename := range parsed.FilesOfType(ft) {
			if err := s.syncSource(client, filename, languageID); err != nil {
				log.Errorf("%s: %v", filename, err)
			}
		}
	}
}

// sourceDocument is a source file as its backend last saw it. mu is held
// from reading the file until its notification is written, so versions
// reach the backend in order.
type sourceDocument struct {
	mu      sync.Mutex
	version protocol.Integer
	open    bool
}

func (s *Server) sourceDocument(uri protocol.DocumentUri) *sourceDocument {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	doc, ok := s.opened[uri]
	if !ok {
		doc = &sourceDocument{}
		s.opened[uri] = doc
	}
	return doc
}

// syncSource sends didOpen the first time a file is seen and a whole
// document didChange after that.
func (s *Server) syncSource(client *backend.Client, filename, languageID string) error {
	source, err := s.resolver.Resolve(filename)
	if err != nil {
		return err
	}

	doc := s.sourceDocument(source.URI)
	doc.mu.Lock()
	defer doc.mu.Unlock()

	text, err := os.ReadFile(source.AbsolutePath)
	if errors.Is(err, os.ErrNotExist) {
		// deleted by the change under review
		log.Debugf("%s no longer exists", source.AbsolutePath)
		return nil
	} else if err != nil {
		return err
	}

	if !doc.open {
		err := client.DidOpen(backgroundContext(), &protocol.DidOpenTextDocumentParams{
			TextDocument: protocol.TextDocumentItem{
				URI:        source.URI,
				LanguageID: languageID,
				Version:    doc.version + 1,
				Text:       string(text),
			},
		})
		if err != nil {
			return err
		}
		doc.version++
		doc.open = true
		return nil
	}

	doc.version++
	return client.DidChange(backgroundContext(), &protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: source.URI},
			Version:                doc.version,
		},
		ContentChanges: []any{protocol.TextDocumentContentChangeEventWhole{Text: string(text)}},
	})
}

func (s *Server) languageID(ft diff.FileType) string {
	cfg, _ := s.session()
	if lang, ok := cfg.Language(ft); ok && lang.LanguageID != "" {
		return lang.LanguageID
	}
	return ft.LanguageID()
}
