package diff

import "strings"

// CommentBlock describes how a dialect fences human commentary inside a
// diff. Lines from an opener up to and including the matching closer are
// skipped.
type CommentBlock struct {
	Openers []string
	Closer  string
}

// Dialect is the policy that specializes the shared diff grammar to one
// buffer format.
type Dialect struct {
	// Name is the value of the Type header that selects this dialect.
	Name        string
	FileMarkers []string
	Comments    []CommentBlock
	// EndSentinel stops scanning when a line starts with it. Empty means
	// scan to the end of the buffer.
	EndSentinel string
}

var fileMarkers = []string{"modified", "new file", "deleted"}

var (
	// MagitStatus is the buffer rendered by magit-status.
	MagitStatus = Dialect{
		Name:        "magit-status",
		FileMarkers: fileMarkers,
		EndSentinel: "Recent commits",
	}

	// CodeReview is the buffer rendered by the code-review package, with
	// comment threads interleaved between hunk lines.
	CodeReview = Dialect{
		Name:        "code-review",
		FileMarkers: fileMarkers,
		Comments: []CommentBlock{
			{Openers: []string{"Reviewed by", "Comment by"}, Closer: "-------"},
		},
	}

	// ReviewServer is the buffer rendered by the review server, which draws
	// comment threads as boxes.
	ReviewServer = Dialect{
		Name:        "my-code-review",
		FileMarkers: fileMarkers,
		Comments: []CommentBlock{
			{Openers: []string{"┌─"}, Closer: "└─"},
			{Openers: []string{"Reviewed by", "Comment by"}, Closer: "-------"},
		},
	}
)

var dialects = map[string]Dialect{
	MagitStatus.Name:  MagitStatus,
	CodeReview.Name:   CodeReview,
	ReviewServer.Name: ReviewServer,
}

// LookupDialect returns the dialect registered for a Type header value.
func LookupDialect(name string) (Dialect, bool) {
	d, ok := dialects[strings.TrimSpace(name)]
	return d, ok
}

// fileMarker returns the relative path named by a file-marker line.
func (d Dialect) fileMarker(line string) (string, bool) {
	for _, marker := range d.FileMarkers {
		if !strings.HasPrefix(line, marker) {
			continue
		}
		rest := line[len(marker):]
		if rest == "" || (rest[0] != ' ' && rest[0] != '\t') {
			continue
		}
		name := strings.TrimSpace(rest)
		// renames render as "old -> new"
		if i := strings.Index(name, " -> "); i >= 0 {
			name = strings.TrimSpace(name[i+len(" -> "):])
		}
		if name == "" {
			continue
		}
		return name, true
	}
	return "", false
}

// commentOpener returns the index of the comment block opened by line.
func (d Dialect) commentOpener(line string) (int, bool) {
	for i, block := range d.Comments {
		for _, opener := range block.Openers {
			if strings.HasPrefix(line, opener) {
				return i, true
			}
		}
	}
	return 0, false
}

func (d Dialect) ends(line string) bool {
	return d.EndSentinel != "" && strings.HasPrefix(line, d.EndSentinel)
}
