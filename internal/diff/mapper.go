package diff

// SourceMap is where a diff-buffer line lives in the real source tree.
type SourceMap struct {
	Filename string           `json:"filename"`
	Line     SourceLineNumber `json:"line"`
	FileType FileType         `json:"-"`
	Type     LineType         `json:"type"`
	Text     string           `json:"text"`
}

// Map resolves a diff-buffer line. It reports false for lines that carry no
// source (headers, file markers, hunk headers, comments, trailers) and for
// files whose extension has no supported file type.
func (d *ParsedDiff) Map(line InputLineNumber) (SourceMap, bool) {
	if d == nil {
		return SourceMap{}, false
	}
	entry, ok := d.Lines[line]
	if !ok {
		return SourceMap{}, false
	}
	ft, ok := FileTypeFromFilename(entry.Filename)
	if !ok {
		return SourceMap{}, false
	}
	return SourceMap{
		Filename: entry.Filename,
		Line:     entry.Line.Source,
		FileType: ft,
		Type:     entry.Line.Type,
		Text:     entry.Line.Text,
	}, true
}

// Column converts an editor column on the diff line to a column on the
// source line. Added and removed lines carry a one-character sigil that the
// source line does not have.
func (m SourceMap) Column(character uint32) uint32 {
	if m.Type == Unmodified || character == 0 {
		return character
	}
	return character - 1
}
