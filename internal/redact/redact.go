// Package redact scrubs known secret values out of text before it leaves the
// process: upstream error payloads surfaced to MCP clients and operator
// output from the CLI.
package redact

import (
	"encoding/json"
	"io"
	"strings"
	"sync"

	aho "github.com/petar-dambovaliev/aho-corasick"
)

// Placeholder replaces every matched secret.
const Placeholder = "[REDACTED]"

// Redactor matches a fixed set of secrets using Aho-Corasick.
type Redactor struct {
	matcher aho.AhoCorasick
	maxLen  int
	empty   bool
}

// New builds a Redactor for the given secrets. Empty values are ignored.
func New(secrets ...string) *Redactor {
	var filtered []string
	maxLen := 0
	for _, s := range secrets {
		if s == "" {
			continue
		}
		filtered = append(filtered, s)
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	r := &Redactor{maxLen: maxLen, empty: len(filtered) == 0}
	if !r.empty {
		builder := aho.NewAhoCorasickBuilder(aho.Opts{})
		r.matcher = builder.Build(filtered)
	}
	return r
}

// String returns s with every secret replaced by Placeholder.
func (r *Redactor) String(s string) string {
	if r.empty || s == "" {
		return s
	}
	matches := r.matcher.FindAll(s)
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	pos := 0
	for _, m := range matches {
		if m.Start() < pos {
			continue
		}
		b.WriteString(s[pos:m.Start()])
		b.WriteString(Placeholder)
		pos = m.End()
	}
	b.WriteString(s[pos:])
	return b.String()
}

// JSON redacts a JSON document. Secrets are opaque tokens without quote or
// escape characters, so replacing them in the encoded form keeps it valid.
func (r *Redactor) JSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	return json.RawMessage(r.String(string(raw)))
}

// Writer wraps out so that everything written through it is redacted.
// Matches that span Write boundaries are handled by holding back up to
// maxLen-1 bytes until the next Write or Flush.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
	r   *Redactor
	buf []byte
}

// NewWriter returns a redacting writer. With no secrets, writes pass through.
func NewWriter(out io.Writer, secrets ...string) *Writer {
	return &Writer{out: out, r: New(secrets...)}
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if w.r.empty {
		return w.out.Write(p)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	if err := w.process(false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush emits any held-back bytes.
func (w *Writer) Flush() error {
	if w.r.empty {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.process(true)
}

func (w *Writer) process(flushAll bool) error {
	if len(w.buf) == 0 {
		return nil
	}

	safeEnd := len(w.buf)
	if !flushAll {
		safeEnd = len(w.buf) - (w.r.maxLen - 1)
		if safeEnd <= 0 {
			return nil
		}
	}

	// Search the whole buffer so matches straddling safeEnd are seen.
	matches := w.r.matcher.FindAll(string(w.buf))

	var out []byte
	pos := 0
	consumed := safeEnd
	for _, m := range matches {
		start, end := m.Start(), m.End()
		if start < pos {
			continue
		}
		if start >= safeEnd && !flushAll {
			break
		}
		out = append(out, w.buf[pos:start]...)
		out = append(out, Placeholder...)
		pos = end
		if end > consumed {
			consumed = end
		}
	}
	if pos < safeEnd {
		out = append(out, w.buf[pos:safeEnd]...)
	}
	if len(out) > 0 {
		if _, err := w.out.Write(out); err != nil {
			return err
		}
	}

	rest := make([]byte, len(w.buf)-consumed)
	copy(rest, w.buf[consumed:])
	w.buf = rest
	return nil
}
