package downloader

import (
	"strings"
	"sync"
)

// NoOutputSummary is used when a failed job produced no usable output
const NoOutputSummary = "no files produced (no output)"

var errorMarkers = []string{"ERROR", "Error", "Traceback", "AudioProviderError"}

// tailBuffer keeps the last N lines written to it
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newTailBuffer(size int) *tailBuffer {
	if size <= 0 {
		size = 200
	}
	return &tailBuffer{lines: make([]string, size)}
}

func (t *tailBuffer) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

// Lines returns the retained lines, oldest first
func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		return append([]string(nil), t.lines[:t.next]...)
	}
	out := make([]string, 0, len(t.lines))
	out = append(out, t.lines[t.next:]...)
	return append(out, t.lines[:t.next]...)
}

// ExtractErrorSummary picks the most useful line from tool output: the last
// line carrying an error marker, else the last non-empty line, else
// NoOutputSummary.
func ExtractErrorSummary(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		for _, marker := range errorMarkers {
			if strings.Contains(lines[i], marker) {
				return strings.TrimSpace(lines[i])
			}
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return NoOutputSummary
}
