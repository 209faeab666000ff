package diff

import (
	"sort"
	"strings"
	"time"
)

// LineType classifies a content line of a hunk by its leading sigil.
type LineType int

const (
	Unmodified LineType = iota
	Added
	Removed
)

func (t LineType) String() string {
	switch t {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "unmodified"
	}
}

// MarshalText lets LineType render by name in JSON dumps.
func (t LineType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ClassifyLine derives the change type from the first character of a diff line.
func ClassifyLine(line string) LineType {
	if line == "" {
		return Unmodified
	}
	switch line[0] {
	case '+':
		return Added
	case '-':
		return Removed
	default:
		return Unmodified
	}
}

// Header is one of the metadata keys found at the top of a diff buffer.
type Header string

const (
	HeaderProject Header = "Project"
	HeaderRoot    Header = "Root"
	HeaderBuffer  Header = "Buffer"
	HeaderType    Header = "Type"
	HeaderHead    Header = "Head"
	HeaderMerge   Header = "Merge"
	HeaderPush    Header = "Push"
	HeaderDraft   Header = "Draft"
	HeaderState   Header = "State"
)

var knownHeaders = map[string]Header{
	"Project": HeaderProject,
	"Root":    HeaderRoot,
	"Buffer":  HeaderBuffer,
	"Type":    HeaderType,
	"Head":    HeaderHead,
	"Merge":   HeaderMerge,
	"Push":    HeaderPush,
	"Draft":   HeaderDraft,
	"State":   HeaderState,
}

// ParseHeader reports whether key names one of the known header keys.
func ParseHeader(key string) (Header, bool) {
	h, ok := knownHeaders[key]
	return h, ok
}

// InputLineNumber is a 1-indexed line number in the diff buffer as the
// editor sees it.
type InputLineNumber int

// SourceLineNumber is a 1-indexed line number in the real file on disk.
type SourceLineNumber int

// DiffLine is one content line of a hunk.
type DiffLine struct {
	Type   LineType         `json:"type"`
	Text   string           `json:"text"`
	Source SourceLineNumber `json:"source"`
}

// Entry ties a content line to the file it belongs to.
type Entry struct {
	Filename string   `json:"filename"`
	Line     DiffLine `json:"line"`
}

// ParsedDiff is the structural model of one diff buffer. It is never
// mutated after Parse returns; a refresh builds a new one.
type ParsedDiff struct {
	Dialect    string                    `json:"dialect"`
	Headers    map[Header]string         `json:"headers"`
	Filenames  []string                  `json:"filenames"`
	Lines      map[InputLineNumber]Entry `json:"lines"`
	ParsedAt   time.Time                 `json:"parsed_at"`
	TotalLines int                       `json:"total_lines"`
}

// Header returns the value of a header key, or "" when absent.
func (d *ParsedDiff) Header(h Header) string {
	return d.Headers[h]
}

// Root is the project root named by the Root header, without a trailing slash.
func (d *ParsedDiff) Root() string {
	root := strings.TrimSpace(d.Headers[HeaderRoot])
	if root == "/" {
		return root
	}
	return strings.TrimRight(root, "/")
}

// FileTypes returns the distinct supported file types referenced by the
// diff, in the order their files first appear.
func (d *ParsedDiff) FileTypes() []FileType {
	seen := map[FileType]struct{}{}
	var types []FileType
	for _, name := range d.Filenames {
		ft, ok := FileTypeFromFilename(name)
		if !ok {
			continue
		}
		if _, dup := seen[ft]; dup {
			continue
		}
		seen[ft] = struct{}{}
		types = append(types, ft)
	}
	return types
}

// FilesOfType lists the diff's filenames whose extension maps to ft.
func (d *ParsedDiff) FilesOfType(ft FileType) []string {
	var files []string
	for _, name := range d.Filenames {
		if t, ok := FileTypeFromFilename(name); ok && t == ft {
			files = append(files, name)
		}
	}
	return files
}

// MappedLines returns the mapped input line numbers in ascending order.
func (d *ParsedDiff) MappedLines() []InputLineNumber {
	lines := make([]InputLineNumber, 0, len(d.Lines))
	for n := range d.Lines {
		lines = append(lines, n)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i] < lines[j] })
	return lines
}
