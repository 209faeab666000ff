package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"difflsp/internal/backend"
	"difflsp/internal/diff"
	"difflsp/internal/metrics"
	"difflsp/internal/resolver"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
)

// target is an editor position in a diff buffer, translated to the source
// file it shows.
type target struct {
	mapping  diff.SourceMap
	source   resolver.Source
	client   *backend.Client
	position protocol.Position
}

func (t *target) document() protocol.TextDocumentPositionParams {
	return protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: t.source.URI},
		Position:     t.position,
	}
}

// resolve maps a diff buffer position to a source position and picks the
// backend for it. Editor lines are 0-based, diff and source line numbers
// 1-based.
func (s *Server) resolve(params protocol.TextDocumentPositionParams) (*target, error) {
	parsed, ok := s.diffs.Get(params.TextDocument.URI)
	if !ok {
		return nil, fmt.Errorf("%s: %w", params.TextDocument.URI, ErrNoDiff)
	}

	line := diff.InputLineNumber(params.Position.Line) + 1
	mapping, ok := parsed.Map(line)
	if !ok {
		return nil, fmt.Errorf("line %d: %w", line, ErrNoMapping)
	}

	_, registry := s.session()
	if registry == nil {
		return nil, fmt.Errorf("%s: %w", mapping.FileType, ErrNoBackend)
	}
	client, ok := registry.Get(mapping.FileType)
	if !ok {
		return nil, fmt.Errorf("%s: %w", mapping.FileType, ErrNoBackend)
	}

	source, err := s.resolver.Resolve(mapping.Filename)
	if err != nil {
		return nil, err
	}

	sourceLine := int(mapping.Line) - 1
	if sourceLine < 0 {
		sourceLine = 0
	}
	return &target{
		mapping: mapping,
		source:  source,
		client:  client,
		position: protocol.Position{
			Line:      protocol.UInteger(sourceLine),
			Character: mapping.Column(params.Position.Character),
		},
	}, nil
}

// forward runs one proxied request. A position that maps to no source line
// yields no result rather than an error.
func forward[T any](
	s *Server,
	method string,
	params protocol.TextDocumentPositionParams,
	call func(ctx context.Context, t *target) (T, error),
) (T, error) {
	var zero T

	t, err := s.resolve(params)
	if err != nil {
		metrics.Observe(method, "", outcome(err), 0)
		if errors.Is(err, ErrNoMapping) {
			log.Debugf("%s: %v", method, err)
			return zero, nil
		}
		log.Warningf("%s: %v", method, err)
		return zero, err
	}

	language := t.mapping.FileType.String()
	log.Debugf("%s: %s:%d:%d -> %s:%d:%d", method,
		params.TextDocument.URI, params.Position.Line, params.Position.Character,
		t.source.RelativePath, t.position.Line, t.position.Character)

	start := time.Now()
	result, err := call(backgroundContext(), t)
	elapsed := time.Since(start)
	if err != nil {
		metrics.Observe(method, language, outcome(err), elapsed)
		log.Errorf("%s: %v", method, err)
		return zero, err
	}
	if isEmpty(result) {
		metrics.Observe(method, language, "empty", elapsed)
	} else {
		metrics.Observe(method, language, "ok", elapsed)
	}
	return result, nil
}

func (s *Server) textDocumentHover(
	_ *glsp.Context,
	params *protocol.HoverParams,
) (*protocol.Hover, error) {
	return forward(s, protocol.MethodTextDocumentHover, params.TextDocumentPositionParams,
		func(ctx context.Context, t *target) (*protocol.Hover, error) {
			hover, err := t.client.Hover(ctx, &protocol.HoverParams{
				TextDocumentPositionParams: t.document(),
			})
			if hover == nil || err != nil {
				return nil, err
			}
			hover.Range = rangeInDiff(hover.Range, t, params.Position.Line)
			return hover, nil
		})
}

func (s *Server) textDocumentDefinition(
	_ *glsp.Context,
	params *protocol.DefinitionParams,
) (any, error) {
	return forward(s, protocol.MethodTextDocumentDefinition, params.TextDocumentPositionParams,
		func(ctx context.Context, t *target) (any, error) {
			return t.client.Definition(ctx, &protocol.DefinitionParams{
				TextDocumentPositionParams: t.document(),
			})
		})
}

func (s *Server) textDocumentTypeDefinition(
	_ *glsp.Context,
	params *protocol.TypeDefinitionParams,
) (any, error) {
	return forward(s, protocol.MethodTextDocumentTypeDefinition, params.TextDocumentPositionParams,
		func(ctx context.Context, t *target) (any, error) {
			return t.client.TypeDefinition(ctx, &protocol.TypeDefinitionParams{
				TextDocumentPositionParams: t.document(),
			})
		})
}

func (s *Server) textDocumentReferences(
	_ *glsp.Context,
	params *protocol.ReferenceParams,
) ([]protocol.Location, error) {
	return forward(s, protocol.MethodTextDocumentReferences, params.TextDocumentPositionParams,
		func(ctx context.Context, t *target) ([]protocol.Location, error) {
			return t.client.References(ctx, &protocol.ReferenceParams{
				TextDocumentPositionParams: t.document(),
				Context:                    params.Context,
			})
		})
}

// rangeInDiff moves a hover range on the source line back onto the diff
// line it came from. Ranges spanning other lines cannot be shown in the
// diff buffer and are dropped.
func rangeInDiff(r *protocol.Range, t *target, diffLine protocol.UInteger) *protocol.Range {
	if r == nil || r.Start.Line != t.position.Line || r.End.Line != t.position.Line {
		return nil
	}
	var sigil protocol.UInteger
	if t.mapping.Type != diff.Unmodified {
		sigil = 1
	}
	return &protocol.Range{
		Start: protocol.Position{Line: diffLine, Character: r.Start.Character + sigil},
		End:   protocol.Position{Line: diffLine, Character: r.End.Character + sigil},
	}
}

func isEmpty(result any) bool {
	switch v := result.(type) {
	case nil:
		return true
	case *protocol.Hover:
		return v == nil
	case []protocol.Location:
		return len(v) == 0
	case []protocol.LocationLink:
		return len(v) == 0
	}
	return false
}

// outcome labels a failed request for metrics.
func outcome(err error) string {
	switch {
	case errors.Is(err, ErrNoDiff):
		return "no_diff"
	case errors.Is(err, ErrNoMapping):
		return "no_mapping"
	case errors.Is(err, ErrNoBackend):
		return "no_backend"
	case errors.Is(err, backend.ErrTimeout):
		return "timeout"
	}
	return "error"
}
