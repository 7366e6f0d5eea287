// Package chunker splits long event text into pieces small enough for an
// embedding model's context window.
package chunker

import (
	"strings"
)

const (
	DefaultTargetSize = 400
	DefaultMaxSize    = 600
)

// Options configures chunking behavior.
type Options struct {
	TargetSize int
	MaxSize    int
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		TargetSize: DefaultTargetSize,
		MaxSize:    DefaultMaxSize,
	}
}

// Chunk splits text into chunks. Text no longer than MaxSize is returned as a
// single chunk; empty text returns nil.
func Chunk(text string, opts Options) []string {
	if opts.TargetSize <= 0 || opts.MaxSize <= 0 {
		opts = DefaultOptions()
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= opts.MaxSize {
		return []string{text}
	}

	var pieces []string
	for _, para := range paragraphs(text) {
		if len(para) <= opts.MaxSize {
			pieces = append(pieces, para)
			continue
		}
		// OCR output and transcripts often arrive as one long line.
		for _, s := range sentences(para) {
			if len(s) <= opts.MaxSize {
				pieces = append(pieces, s)
				continue
			}
			pieces = append(pieces, splitWords(s, opts.TargetSize)...)
		}
	}
	return merge(pieces, opts.TargetSize)
}

// paragraphs splits on blank lines.
func paragraphs(text string) []string {
	var out []string
	var cur []string
	flush := func() {
		if p := strings.TrimSpace(strings.Join(cur, "\n")); p != "" {
			out = append(out, p)
		}
		cur = nil
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return out
}

// sentences splits after '.', '!' or '?' followed by whitespace.
func sentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		switch text[i] {
		case '.', '!', '?':
			if text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t' {
				if s := strings.TrimSpace(text[start : i+1]); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// splitWords packs words into pieces of about size bytes. A single word
// longer than size becomes its own piece.
func splitWords(text string, size int) []string {
	var out []string
	var b strings.Builder
	for _, w := range strings.Fields(text) {
		if b.Len() > 0 && b.Len()+1+len(w) > size {
			out = append(out, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// merge greedily joins adjacent pieces while they stay within target.
func merge(pieces []string, target int) []string {
	var out []string
	acc := ""
	for _, p := range pieces {
		switch {
		case acc == "":
			acc = p
		case len(acc)+2+len(p) <= target:
			acc += "\n\n" + p
		default:
			out = append(out, acc)
			acc = p
		}
	}
	if acc != "" {
		out = append(out, acc)
	}
	return out
}
