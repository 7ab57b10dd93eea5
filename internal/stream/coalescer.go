// Package stream turns the agent's monotonically growing output into
// platform-sized message chunks without breaking code blocks.
package stream

import (
	"strings"
	"sync"
)

const (
	// DefaultMaxLen is the platform hard cap per message (Discord: 2000).
	DefaultMaxLen = 2000
	// DefaultSoftLimit is the preemptive split threshold.
	DefaultSoftLimit = 1800

	truncationMarker = "... [truncated]"
	// fenceProbeWindow is how far back from the tail an opening fence
	// still triggers an early split.
	fenceProbeWindow = 100
)

// Coalescer buffers the assistant's accumulating text and flushes it as
// chunks of at most maxLen characters. A chunk that would end inside a
// code block is closed with a trailing fence and the next chunk re-opens
// it with the same language tag.
//
// Callbacks run synchronously under the coalescer's lock and must not
// call back into it.
type Coalescer struct {
	maxLen     int
	softLimit  int
	onChunk    func(string)
	onComplete func(string)

	mu   sync.Mutex
	seen string // cumulative text received so far
	buf  string // received but not yet flushed
	done bool
}

// NewCoalescer creates a buffered coalescer. Zero limits take the
// defaults; nil callbacks are allowed and skipped.
func NewCoalescer(maxLen, softLimit int, onChunk, onComplete func(string)) *Coalescer {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	if softLimit <= 0 || softLimit > maxLen {
		softLimit = DefaultSoftLimit
		if softLimit > maxLen {
			softLimit = maxLen * 9 / 10
		}
	}
	return &Coalescer{
		maxLen:     maxLen,
		softLimit:  softLimit,
		onChunk:    onChunk,
		onComplete: onComplete,
	}
}

// Push feeds the cumulative text. Pushes that do not grow the text are
// no-ops, so replayed or empty updates are harmless.
func (c *Coalescer) Push(full string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done || len(full) <= len(c.seen) {
		return
	}
	delta := full[len(c.seen):]
	c.seen = full
	c.buf += delta
	c.drain(false)
}

// Finalize flushes any residual content as one or more chunks and reports
// the complete text.
func (c *Coalescer) Finalize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	c.drain(true)
	if c.onComplete != nil {
		c.onComplete(c.seen)
	}
}

// Abort discards buffered content. Nothing further is emitted.
func (c *Coalescer) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = true
	c.buf = ""
}

// drain applies the decision rules until the buffer needs more input.
// Callers hold mu.
func (c *Coalescer) drain(final bool) {
	for {
		n := len(c.buf)
		if n == 0 {
			return
		}
		if n >= c.maxLen {
			c.splitOnce()
			continue
		}
		if final {
			c.emit(c.buf)
			c.buf = ""
			return
		}
		if n < c.softLimit {
			return
		}

		// Soft zone: a freshly opened fence near the tail splits early so
		// the incomplete block starts the next chunk whole.
		open, lastOpen, _ := scanFences(c.buf)
		if open && lastOpen >= n-fenceProbeWindow {
			head := strings.TrimRight(c.buf[:lastOpen], "\n")
			if head != "" {
				c.emit(head)
			}
			c.buf = c.buf[lastOpen:]
			return
		}
		// Inside a block we wait for it to close or for the hard cap;
		// outside we just keep buffering.
		return
	}
}

// splitOnce emits one maxLen-bounded chunk off the front of the buffer.
func (c *Coalescer) splitOnce() {
	chunk, rest := splitText(c.buf, c.maxLen)
	if open, _, lang := scanFences(chunk); open {
		chunk += "\n```"
		rest = "```" + lang + "\n" + rest
	}
	c.emit(chunk)
	c.buf = rest
}

func (c *Coalescer) emit(chunk string) {
	if c.onChunk != nil && chunk != "" {
		c.onChunk(chunk)
	}
}

// splitText cuts text into a head of at most max characters and the rest.
// The break point prefers a double newline, then a single newline, then a
// space, all within the last 20% of max; with no natural break the head is
// hard-cut and marked as truncated.
func splitText(text string, max int) (head, rest string) {
	if len(text) <= max {
		return text, ""
	}
	window := text[:max]
	floor := max - max/5

	if i := strings.LastIndex(window, "\n\n"); i >= floor {
		return text[:i], text[i+2:]
	}
	if i := strings.LastIndex(window, "\n"); i >= floor {
		return text[:i], text[i+1:]
	}
	if i := strings.LastIndex(window, " "); i >= floor {
		return text[:i], text[i+1:]
	}

	cut := max - len(truncationMarker)
	return text[:cut] + truncationMarker, text[cut:]
}

// scanFences walks text line by line toggling code-fence state. It returns
// whether the text ends inside a block, the byte offset of the fence that
// opened it, and its language tag.
func scanFences(text string) (open bool, lastOpen int, lang string) {
	offset := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if open {
				open = false
				lang = ""
			} else {
				open = true
				lang = strings.TrimPrefix(trimmed, "```")
				lastOpen = offset
			}
		}
		offset += len(line) + 1
	}
	if !open {
		lastOpen = 0
	}
	return open, lastOpen, lang
}
