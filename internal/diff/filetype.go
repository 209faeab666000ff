package diff

import (
	"path"
	"strings"
)

// FileType is the closed set of languages the proxy can route to a backend.
type FileType int

const (
	Rust FileType = iota + 1
	Go
	Python
	TypeScript
	JavaScript
)

var fileTypeNames = map[FileType]string{
	Rust:       "rust",
	Go:         "go",
	Python:     "python",
	TypeScript: "typescript",
	JavaScript: "javascript",
}

var extensions = map[string]FileType{
	"rs":  Rust,
	"go":  Go,
	"py":  Python,
	"ts":  TypeScript,
	"tsx": TypeScript,
	"mts": TypeScript,
	"js":  JavaScript,
	"jsx": JavaScript,
	"mjs": JavaScript,
	"cjs": JavaScript,
}

// FileTypes lists every supported file type.
func FileTypes() []FileType {
	return []FileType{Rust, Go, Python, TypeScript, JavaScript}
}

func (t FileType) String() string {
	if name, ok := fileTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// LanguageID is the textDocument languageId sent to backends.
func (t FileType) LanguageID() string {
	switch t {
	case TypeScript:
		return "typescript"
	case JavaScript:
		return "javascript"
	default:
		return t.String()
	}
}

// ParseFileType resolves a file type from its configured name.
func ParseFileType(name string) (FileType, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range fileTypeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// FileTypeFromFilename resolves a file type from the extension of filename.
func FileTypeFromFilename(filename string) (FileType, bool) {
	ext := strings.TrimPrefix(path.Ext(filename), ".")
	if ext == "" {
		return 0, false
	}
	t, ok := extensions[ext]
	return t, ok
}
