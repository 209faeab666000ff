package resolver

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

var ErrNoRoot = errors.New("project root is not known")

// Source is a file named by a diff, resolved against the project root.
type Source struct {
	URI          protocol.DocumentUri
	AbsolutePath string
	RelativePath string
}

// Resolver turns diff-relative filenames into absolute paths and file
// URIs. The root may be set late, once a diff header names it.
type Resolver struct {
	mu   sync.RWMutex
	root string
}

func New(root string) *Resolver {
	r := &Resolver{}
	r.SetRoot(root)
	return r
}

func (r *Resolver) Root() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root
}

func (r *Resolver) SetRoot(root string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if root == "" {
		r.root = ""
		return
	}
	r.root = filepath.Clean(root)
}

// SetRootIfEmpty sets the root unless one is already known. It reports
// whether the root was changed.
func (r *Resolver) SetRootIfEmpty(root string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.root != "" || root == "" {
		return false
	}
	r.root = filepath.Clean(root)
	return true
}

// Resolve resolves a filename taken from a diff. Absolute filenames are
// kept as they are.
func (r *Resolver) Resolve(filename string) (Source, error) {
	if filename == "" {
		return Source{}, fmt.Errorf("empty filename")
	}
	root := r.Root()

	absolute := filename
	if !filepath.IsAbs(filename) {
		if root == "" {
			return Source{}, fmt.Errorf("resolve %s: %w", filename, ErrNoRoot)
		}
		absolute = filepath.Join(root, filename)
	}
	absolute = filepath.Clean(absolute)

	rel := filename
	if root != "" {
		if relative, err := filepath.Rel(root, absolute); err == nil {
			rel = relative
		}
	}

	return Source{
		URI:          URIFromPath(absolute),
		AbsolutePath: absolute,
		RelativePath: rel,
	}, nil
}

// URIFromPath returns the file URI of an absolute path.
func URIFromPath(path string) protocol.DocumentUri {
	u := url.URL{
		Scheme: "file",
		Path:   filepath.ToSlash(filepath.Clean(path)),
	}
	return protocol.DocumentUri(u.String())
}

// PathFromURI returns the absolute path a file URI points at. Plain
// absolute paths are accepted as well.
func PathFromURI(uri protocol.DocumentUri) (string, error) {
	if strings.HasPrefix(uri, "/") {
		return filepath.Clean(uri), nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported uri scheme %q in %q", u.Scheme, uri)
	}
	if u.Path == "" || !filepath.IsAbs(filepath.FromSlash(u.Path)) {
		return "", fmt.Errorf("uri %q has no absolute path", uri)
	}
	return filepath.Clean(filepath.FromSlash(u.Path)), nil
}

// RootFromParams picks the workspace root the editor announced, if any.
func RootFromParams(params *protocol.InitializeParams) string {
	if params == nil {
		return ""
	}
	if params.RootURI != nil && *params.RootURI != "" {
		if path, err := PathFromURI(*params.RootURI); err == nil {
			return path
		}
	}
	if params.RootPath != nil && *params.RootPath != "" {
		return filepath.Clean(*params.RootPath)
	}
	for _, folder := range params.WorkspaceFolders {
		if path, err := PathFromURI(folder.URI); err == nil {
			return path
		}
	}
	return ""
}
