package stream

import (
	"fmt"
	"sync"
)

// SendFunc posts a new outbound message and returns its platform id.
type SendFunc func(text string) (string, error)

// EditFunc replaces the body of an already-sent message.
type EditFunc func(messageID, text string) error

// EditCoalescer streams by editing one outbound message in place with the
// cumulative text. When the text outgrows maxLen the current message keeps
// its first chunk and the overflow continues in a fresh message.
type EditCoalescer struct {
	maxLen int
	send   SendFunc
	edit   EditFunc

	mu        sync.Mutex
	seen      string
	base      int    // offset into seen where the current message starts
	prefix    string // fence re-open carried into the current message
	messageID string // current message; empty until first send
	ids       []string
	done      bool
}

// NewEditCoalescer creates an edit-based coalescer. maxLen <= 0 takes
// DefaultMaxLen.
func NewEditCoalescer(maxLen int, send SendFunc, edit EditFunc) *EditCoalescer {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &EditCoalescer{maxLen: maxLen, send: send, edit: edit}
}

// Push feeds the cumulative text, editing or extending outbound messages
// as needed. Non-growing pushes are no-ops.
func (e *EditCoalescer) Push(full string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done || len(full) <= len(e.seen) {
		return nil
	}
	e.seen = full
	return e.flush()
}

// Finalize applies the last state of the text and returns the ids of all
// messages written, in order.
func (e *EditCoalescer) Finalize() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return e.ids, nil
	}
	e.done = true
	if err := e.flush(); err != nil {
		return e.ids, err
	}
	return e.ids, nil
}

// Abort stops further edits. Messages already sent stay as they are.
func (e *EditCoalescer) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done = true
}

// flush reconciles outbound messages with seen. Callers hold mu.
func (e *EditCoalescer) flush() error {
	for {
		cur := e.prefix + e.seen[e.base:]
		if cur == "" {
			return nil
		}
		if len(cur) <= e.maxLen {
			return e.write(cur)
		}

		// Split leaving room for a closing fence if one is needed.
		head, rest := splitText(cur, e.maxLen-4)
		reopen := ""
		if open, _, lang := scanFences(head); open {
			head += "\n```"
			reopen = "```" + lang + "\n"
		}
		if err := e.write(head); err != nil {
			return err
		}
		used := len(cur) - len(rest) - len(e.prefix)
		if used < 0 {
			used = 0
		}
		e.base += used
		e.prefix = reopen
		e.messageID = "" // overflow continues in a fresh message
	}
}

// write edits the current message or sends a new one.
func (e *EditCoalescer) write(text string) error {
	if e.messageID == "" {
		id, err := e.send(text)
		if err != nil {
			return fmt.Errorf("send chunk: %w", err)
		}
		e.messageID = id
		e.ids = append(e.ids, id)
		return nil
	}
	if err := e.edit(e.messageID, text); err != nil {
		return fmt.Errorf("edit message %s: %w", e.messageID, err)
	}
	return nil
}
