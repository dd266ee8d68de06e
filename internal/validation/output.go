package validation

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// Truncate bounds s to max runes, keeping the head and the tail since test
// runners put their summary last.
func Truncate(s string, max int) string {
	n := utf8.RuneCountInString(s)
	if n <= max {
		return s
	}
	marker := fmt.Sprintf("\n... [%d chars truncated] ...\n", n-max)
	keep := max - utf8.RuneCountInString(marker)
	if keep <= 0 {
		return string([]rune(s)[:max])
	}
	runes := []rune(s)
	head := keep / 2
	tail := keep - head
	return string(runes[:head]) + marker + string(runes[n-tail:])
}

// boundedBuffer is an io.Writer that keeps the first and last limit bytes of
// everything written to it. Safe for concurrent writers so it can back both
// stdout and stderr.
type boundedBuffer struct {
	mu      sync.Mutex
	limit   int
	head    []byte
	tail    []byte
	dropped int

	// watch, when set, sees every complete line before it can be dropped.
	watch   func(line string) bool
	partial []byte
	matched bool
}

// maxWatchedLine bounds the carried partial line; longer lines are checked
// in pieces.
const maxWatchedLine = 64 << 10

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	b.scan(p)
	if room := b.limit - len(b.head); room > 0 {
		if room > len(p) {
			room = len(p)
		}
		b.head = append(b.head, p[:room]...)
		p = p[room:]
	}
	if len(p) == 0 {
		return n, nil
	}
	b.tail = append(b.tail, p...)
	if over := len(b.tail) - b.limit; over > 0 {
		b.dropped += over
		b.tail = append(b.tail[:0], b.tail[over:]...)
	}
	return n, nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped == 0 {
		return string(b.head) + string(b.tail)
	}
	var sb strings.Builder
	sb.Write(b.head)
	fmt.Fprintf(&sb, "\n... [%d bytes dropped] ...\n", b.dropped)
	sb.Write(b.tail)
	return sb.String()
}

func (b *boundedBuffer) scan(p []byte) {
	if b.watch == nil || b.matched {
		return
	}
	b.partial = append(b.partial, p...)
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		if b.watch(string(b.partial[:i])) {
			b.matched = true
			b.partial = nil
			return
		}
		b.partial = b.partial[i+1:]
	}
	if len(b.partial) > maxWatchedLine {
		b.matched = b.watch(string(b.partial))
		b.partial = nil
	}
	b.partial = append([]byte(nil), b.partial...)
}

// Matched reports whether any line written so far satisfied watch,
// including a final unterminated line.
func (b *boundedBuffer) Matched() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.matched && b.watch != nil && len(b.partial) > 0 {
		b.matched = b.watch(string(b.partial))
		b.partial = nil
	}
	return b.matched
}
