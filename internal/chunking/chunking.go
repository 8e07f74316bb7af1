// Package chunking splits document text into overlapping, page-tagged chunks.
package chunking

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/fyrsmithlabs/retaind/internal/errs"
)

// PageBreak separates pages inside a single text body.
const PageBreak = "\f"

// DefaultSeparators are tried in order, coarsest first.
var DefaultSeparators = []string{"\n\n", "\n", ".", "!", "?", ",", " ", ""}

// Chunk is one piece of a document.
type Chunk struct {
	Text string
	// PageNumber is 1-based.
	PageNumber int
	// Index is the chunk's position within the document.
	Index int
}

// Splitter is a recursive character splitter applied page by page. Lengths
// are counted in runes.
// It is safe for concurrent use.
type Splitter struct {
	size     int
	overlap  int
	splitter textsplitter.RecursiveCharacter
}

// New returns a Splitter producing chunks of at most size characters with
// overlap characters shared between neighbours.
func New(size, overlap int) (*Splitter, error) {
	if size <= 0 {
		return nil, errs.Validation("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, errs.Validation("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Splitter{
		size:    size,
		overlap: overlap,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithSeparators(DefaultSeparators),
		),
	}, nil
}

// Pages splits text on form feeds. Text without one is a single page.
func Pages(text string) []string {
	return strings.Split(text, PageBreak)
}

// SplitText chunks text, treating form feeds as page breaks.
func (s *Splitter) SplitText(text string) ([]Chunk, error) {
	return s.SplitPages(Pages(text))
}

// SplitPages chunks each page in order. Page numbers follow the slice
// position, so blank pages produce no chunks but still advance the count.
func (s *Splitter) SplitPages(pages []string) ([]Chunk, error) {
	var chunks []Chunk
	for i, page := range pages {
		if strings.TrimSpace(page) == "" {
			continue
		}
		parts, err := s.splitter.SplitText(page)
		if err != nil {
			return nil, fmt.Errorf("splitting page %d: %w", i+1, err)
		}
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			chunks = append(chunks, Chunk{
				Text:       part,
				PageNumber: i + 1,
				Index:      len(chunks),
			})
		}
	}
	return chunks, nil
}
