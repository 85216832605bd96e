// Package analyzer extracts structured records from debug log files by
// applying an ordered set of regular expression patterns. Patterns are
// compiled once at startup; a pattern that fails to compile is a fatal
// configuration error, never a per-file one.
package analyzer

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/logextract/backend/internal/models"
)

// ReadError reports a file that could not be read from disk. The file is
// skipped; analysis of other files continues.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// ParseError reports a file whose bytes could not be decoded as text in
// any supported encoding. Handled the same way as a ReadError.
type ParseError struct {
	Path   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s: %s", e.Path, e.Reason)
}

// Analyzer applies compiled extraction patterns to file contents.
type Analyzer struct {
	patterns []*compiledPattern
}

type compiledPattern struct {
	re    *matcher
	index int
}

// New compiles the configured patterns in order. Any compile failure is
// returned immediately so startup can abort.
func New(patterns []string) (*Analyzer, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("no extraction patterns configured")
	}
	compiled := make([]*compiledPattern, 0, len(patterns))
	for i, raw := range patterns {
		m, err := compileMatcher(raw)
		if err != nil {
			return nil, fmt.Errorf("pattern %d invalid: %w", i+1, err)
		}
		compiled = append(compiled, &compiledPattern{re: m, index: i})
	}
	return &Analyzer{patterns: compiled}, nil
}

// Analyze reads one file and extracts records. Patterns are tried in
// order and the first pattern that matches anything wins; its matches
// become records in file order, so extraction indices are stable across
// re-runs over identical content.
func (a *Analyzer) Analyze(ctx context.Context, path string) ([]models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ReadError{Path: path, Err: err}
	}
	content, enc, err := decodeText(raw)
	if err != nil {
		return nil, &ParseError{Path: path, Reason: err.Error()}
	}
	if enc != "utf-8" {
		fmt.Printf("[Analyzer] Decoded %s as %s\n", path, enc)
	}

	for _, p := range a.patterns {
		hits := p.re.extract(content)
		if len(hits) == 0 {
			continue
		}
		records := make([]models.Record, 0, len(hits))
		for _, h := range hits {
			payload := cleanPayload(h.payload)
			if payload == "" {
				continue
			}
			idx := len(records)
			records = append(records, models.Record{
				ID:           models.RecordID(path, idx),
				Path:         path,
				Index:        idx,
				PatternIndex: p.index,
				Line:         lineOf(content, h.start),
				Payload:      payload,
				Fields:       h.fields,
				Status:       models.UploadStatusPending,
			})
		}
		return records, nil
	}
	return nil, nil
}

// cleanPayload strips surrounding whitespace and embedded control
// characters that devices leave in the serial dump. Matches producing an
// empty payload after cleaning are dropped.
func cleanPayload(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
}

// lineOf returns the 1-based line number of a byte offset.
func lineOf(content string, offset int) int {
	if offset > len(content) {
		offset = len(content)
	}
	return 1 + strings.Count(content[:offset], "\n")
}
