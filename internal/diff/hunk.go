package diff

import (
	"fmt"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// HunkHeader is the parsed form of "@@ -oldStart[,oldLen] +newStart[,newLen] @@".
type HunkHeader struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
}

func isHunkHeader(line string) bool {
	return strings.HasPrefix(line, "@@ ")
}

// ParseHunkHeader parses a hunk header line. Omitted lengths default to 1.
func ParseHunkHeader(line string) (HunkHeader, error) {
	hunks, err := godiff.ParseHunks([]byte(strings.TrimRight(line, "\r\n") + "\n"))
	if err != nil {
		return HunkHeader{}, fmt.Errorf("%w: %q: %v", ErrMalformedHunk, line, err)
	}
	if len(hunks) != 1 {
		return HunkHeader{}, fmt.Errorf("%w: %q", ErrMalformedHunk, line)
	}
	h := hunks[0]
	if h.OrigStartLine < 0 || h.NewStartLine < 0 || h.OrigLines < 0 || h.NewLines < 0 {
		return HunkHeader{}, fmt.Errorf("%w: negative range in %q", ErrMalformedHunk, line)
	}
	return HunkHeader{
		OldStart: int(h.OrigStartLine),
		OldLines: int(h.OrigLines),
		NewStart: int(h.NewStartLine),
		NewLines: int(h.NewLines),
	}, nil
}
