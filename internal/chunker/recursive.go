package chunker

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"ragchat/internal/domain"
)

const (
	// DefaultChunkSize is the default maximum number of characters per chunk.
	DefaultChunkSize = 1000
	// DefaultChunkOverlap is the default number of characters shared by adjacent chunks.
	DefaultChunkOverlap = 200
)

// DefaultSeparators are tried in order: paragraph break, line break,
// markdown headings and FAQ question markers.
var DefaultSeparators = []string{"\n\n", "\n", "##", "#", "**Q:**"}

// RecursiveChunker splits text on the first separator that occurs in it,
// merges the pieces back into chunks of at most chunkSize characters and
// recurses with the remaining separators into pieces that are still too big.
// Text with no usable separator is cut at the character boundary.
//
// Chunks are exact substrings of the document; separators are kept at the
// start of the piece that follows them and nothing is trimmed.
type RecursiveChunker struct {
	chunkSize  int
	overlap    int
	separators []string
}

// Option configures a RecursiveChunker.
type Option func(*RecursiveChunker)

// WithChunkSize sets the maximum chunk size in characters.
func WithChunkSize(size int) Option {
	return func(c *RecursiveChunker) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

// WithOverlap sets the overlap between adjacent chunks in characters.
func WithOverlap(overlap int) Option {
	return func(c *RecursiveChunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

// WithSeparators replaces the separator list. Empty separators are ignored.
func WithSeparators(separators []string) Option {
	return func(c *RecursiveChunker) {
		var seps []string
		for _, s := range separators {
			if s != "" {
				seps = append(seps, s)
			}
		}
		if len(seps) > 0 {
			c.separators = seps
		}
	}
}

// NewRecursiveChunker creates a chunker with the given options applied over the defaults.
func NewRecursiveChunker(opts ...Option) *RecursiveChunker {
	c := &RecursiveChunker{
		chunkSize:  DefaultChunkSize,
		overlap:    DefaultChunkOverlap,
		separators: DefaultSeparators,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.chunkSize {
		c.overlap = c.chunkSize / 4
	}
	return c
}

// ChunkSize returns the configured maximum chunk size.
func (c *RecursiveChunker) ChunkSize() int { return c.chunkSize }

// Overlap returns the configured overlap.
func (c *RecursiveChunker) Overlap() int { return c.overlap }

// Split chunks every document in order. It fails with domain.ErrChunking when
// docs is empty or nothing in it produces a chunk.
func (c *RecursiveChunker) Split(docs []domain.Document) ([]domain.Chunk, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: no documents provided", domain.ErrChunking)
	}
	var chunks []domain.Chunk
	for _, doc := range docs {
		for i, sp := range c.splitText(doc.Content, 0, c.separators) {
			chunks = append(chunks, domain.Chunk{
				ID:         chunkID(doc.Source, i),
				Source:     doc.Source,
				Content:    doc.Content[sp.start:sp.end],
				StartIndex: sp.start,
				Position:   i,
			})
		}
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: documents contain no text", domain.ErrChunking)
	}
	return chunks, nil
}

// span is a byte range of the document being split.
type span struct {
	start, end int
}

type piece struct {
	span
	runes int
}

// splitText splits text, which begins at byte offset base of the document.
func (c *RecursiveChunker) splitText(text string, base int, separators []string) []span {
	sep := ""
	var rest []string
	for i, s := range separators {
		if strings.Contains(text, s) {
			sep = s
			rest = separators[i+1:]
			break
		}
	}
	if sep == "" {
		return c.splitByLength(text, base)
	}

	var out []span
	var good []piece
	for _, p := range cut(text, base, sep) {
		if p.runes <= c.chunkSize {
			good = append(good, p)
			continue
		}
		if len(good) > 0 {
			out = append(out, c.merge(good)...)
			good = nil
		}
		out = append(out, c.splitText(text[p.start-base:p.end-base], p.start, rest)...)
	}
	if len(good) > 0 {
		out = append(out, c.merge(good)...)
	}
	return out
}

// cut splits text before every occurrence of sep.
func cut(text string, base int, sep string) []piece {
	bounds := []int{0}
	from := 0
	for {
		i := strings.Index(text[from:], sep)
		if i < 0 {
			break
		}
		pos := from + i
		if pos > 0 {
			bounds = append(bounds, pos)
		}
		from = pos + len(sep)
	}
	bounds = append(bounds, len(text))

	pieces := make([]piece, 0, len(bounds)-1)
	for j := 0; j+1 < len(bounds); j++ {
		lo, hi := bounds[j], bounds[j+1]
		if lo >= hi {
			continue
		}
		pieces = append(pieces, piece{
			span:  span{start: base + lo, end: base + hi},
			runes: utf8.RuneCountInString(text[lo:hi]),
		})
	}
	return pieces
}

// merge packs consecutive pieces into chunks no larger than chunkSize. When a
// chunk is emitted, its trailing pieces totalling at most overlap characters
// open the next one.
func (c *RecursiveChunker) merge(pieces []piece) []span {
	var out []span
	var window []piece
	total := 0
	for _, p := range pieces {
		if len(window) > 0 && total+p.runes > c.chunkSize {
			out = append(out, span{start: window[0].start, end: window[len(window)-1].end})
			for len(window) > 0 && (total > c.overlap || total+p.runes > c.chunkSize) {
				total -= window[0].runes
				window = window[1:]
			}
		}
		window = append(window, p)
		total += p.runes
	}
	if len(window) > 0 {
		out = append(out, span{start: window[0].start, end: window[len(window)-1].end})
	}
	return out
}

// splitByLength cuts text into windows of chunkSize characters, each
// starting chunkSize-overlap characters after the previous one.
func (c *RecursiveChunker) splitByLength(text string, base int) []span {
	if text == "" {
		return nil
	}
	offsets := make([]int, 0, len(text)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	n := len(offsets)
	offsets = append(offsets, len(text))

	step := c.chunkSize - c.overlap
	var out []span
	for start := 0; ; start += step {
		end := min(start+c.chunkSize, n)
		out = append(out, span{start: base + offsets[start], end: base + offsets[end]})
		if end == n {
			break
		}
	}
	return out
}

func chunkID(source string, position int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(source+"#"+strconv.Itoa(position))).String()
}
