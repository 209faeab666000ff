package diff

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/tliron/commonlog"
)

var (
	// ErrUnknownDialect means the header block names no supported buffer type.
	ErrUnknownDialect = errors.New("unrecognized diff dialect")
	// ErrMalformedHunk means a hunk header could not be parsed.
	ErrMalformedHunk = errors.New("malformed hunk header")
)

var log = commonlog.GetLogger("difflsp.diff")

var headerLine = regexp.MustCompile(`^(\w+):\s+(.+)$`)

// Parse sniffs the dialect from the Type header and parses text with it.
func Parse(text string) (*ParsedDiff, error) {
	kind := sniff(text)
	d, ok := LookupDialect(kind)
	if !ok {
		log.Warningf("cannot determine buffer type (Type: %q)", kind)
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, kind)
	}
	return ParseWith(d, text)
}

// ParseFile reads and parses the diff buffer stored at path.
func ParseFile(path string) (*ParsedDiff, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read diff %s: %w", path, err)
	}
	return Parse(string(data))
}

// sniff returns the Type header value from the header block.
func sniff(text string) string {
	for _, line := range splitLines(text) {
		m := headerLine.FindStringSubmatch(line)
		if m == nil {
			break
		}
		if h, ok := ParseHeader(m[1]); ok && h == HeaderType {
			return strings.TrimSpace(m[2])
		}
	}
	return ""
}

// scanner carries the line-by-line state of one parse.
type scanner struct {
	dialect Dialect
	out     *ParsedDiff
	seen    map[string]struct{}

	filename string

	inHunk       bool
	hunkSeen     bool
	newStart     int
	counter      int
	oldRemaining int
	newRemaining int

	inComment bool
	closer    string
}

// ParseWith parses text using an explicit dialect policy.
func ParseWith(d Dialect, text string) (*ParsedDiff, error) {
	lines := splitLines(text)
	s := &scanner{
		dialect: d,
		seen:    map[string]struct{}{},
		out: &ParsedDiff{
			Dialect:    d.Name,
			Headers:    map[Header]string{},
			Filenames:  []string{},
			Lines:      map[InputLineNumber]Entry{},
			TotalLines: len(lines),
		},
	}

	inHeaders := true
	for i, line := range lines {
		if inHeaders {
			if m := headerLine.FindStringSubmatch(line); m != nil {
				if h, ok := ParseHeader(m[1]); ok {
					s.out.Headers[h] = strings.TrimSpace(m[2])
				}
				continue
			}
			inHeaders = false
		}
		stop, err := s.step(InputLineNumber(i+1), line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if stop {
			break
		}
	}

	s.out.ParsedAt = time.Now()
	log.Debugf("parsed %s diff: %d files, %d mapped lines", d.Name, len(s.out.Filenames), len(s.out.Lines))
	return s.out, nil
}

// step consumes one body line. It reports true when scanning must stop.
func (s *scanner) step(n InputLineNumber, line string) (bool, error) {
	if s.inComment {
		if strings.HasPrefix(line, s.closer) {
			s.inComment = false
		}
		return false, nil
	}
	// review comments only occur once the first hunk has begun
	if i, ok := s.dialect.commentOpener(line); ok && s.hunkSeen {
		s.inComment = true
		s.closer = s.dialect.Comments[i].Closer
		return false, nil
	}
	if s.dialect.ends(line) {
		return true, nil
	}
	if isHunkHeader(line) {
		h, err := ParseHunkHeader(line)
		if err != nil {
			return false, err
		}
		s.inHunk = true
		s.hunkSeen = true
		s.newStart = h.NewStart
		s.counter = 0
		s.oldRemaining = h.OldLines
		s.newRemaining = h.NewLines
		s.closeIfConsumed()
		return false, nil
	}
	if name, ok := s.dialect.fileMarker(line); ok {
		s.inHunk = false
		s.filename = name
		if _, dup := s.seen[name]; !dup {
			s.seen[name] = struct{}{}
			s.out.Filenames = append(s.out.Filenames, name)
		}
		return false, nil
	}
	if !s.inHunk || strings.HasPrefix(line, `\`) {
		return false, nil
	}

	kind := ClassifyLine(line)
	s.out.Lines[n] = Entry{
		Filename: s.filename,
		Line: DiffLine{
			Type:   kind,
			Text:   line,
			Source: SourceLineNumber(s.newStart + s.counter),
		},
	}
	switch kind {
	case Added:
		s.counter++
		s.newRemaining--
	case Removed:
		s.oldRemaining--
	default:
		s.counter++
		s.newRemaining--
		s.oldRemaining--
	}
	s.closeIfConsumed()
	return false, nil
}

func (s *scanner) closeIfConsumed() {
	if s.oldRemaining <= 0 && s.newRemaining <= 0 {
		s.inHunk = false
	}
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
