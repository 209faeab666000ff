package main

import (
	"encoding/json"

	"difflsp/internal/diff"

	"github.com/spf13/cobra"
)

var parseCmd = &cobra.Command{
	Use:   "parse <file>",
	Short: "Print the line map of a diff buffer as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configureLogging()
		return runParse(cmd, args[0])
	},
}

type parseDump struct {
	Dialect   string                 `json:"dialect"`
	Headers   map[diff.Header]string `json:"headers"`
	Filenames []string               `json:"filenames"`
	Lines     []mappedLine           `json:"lines"`
}

type mappedLine struct {
	Line     diff.InputLineNumber  `json:"line"`
	Filename string                `json:"filename"`
	Source   diff.SourceLineNumber `json:"source"`
	Type     diff.LineType         `json:"type"`
	Language string                `json:"language,omitempty"`
	Text     string                `json:"text"`
}

func runParse(cmd *cobra.Command, path string) error {
	parsed, err := diff.ParseFile(path)
	if err != nil {
		return err
	}

	dump := parseDump{
		Dialect:   parsed.Dialect,
		Headers:   parsed.Headers,
		Filenames: parsed.Filenames,
		Lines:     []mappedLine{},
	}
	for _, n := range parsed.MappedLines() {
		entry := parsed.Lines[n]
		line := mappedLine{
			Line:     n,
			Filename: entry.Filename,
			Source:   entry.Line.Source,
			Type:     entry.Line.Type,
			Text:     entry.Line.Text,
		}
		if m, ok := parsed.Map(n); ok {
			line.Language = m.FileType.LanguageID()
		}
		dump.Lines = append(dump.Lines, line)
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(dump)
}
