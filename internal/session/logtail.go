package session

import "github.com/shehryarbajwa/meetbot/pkg/models"

const logTailSize = 50

// logTail keeps the most recent transitions. Not safe for concurrent use.
type logTail struct {
	entries []models.LogEntry
	next    int
	full    bool
}

func newLogTail(size int) *logTail {
	return &logTail{entries: make([]models.LogEntry, size)}
}

func (l *logTail) add(entry models.LogEntry) {
	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// snapshot returns the entries oldest first.
func (l *logTail) snapshot() []models.LogEntry {
	if !l.full {
		return append([]models.LogEntry(nil), l.entries[:l.next]...)
	}
	out := make([]models.LogEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}
