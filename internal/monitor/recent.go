package monitor

import "sync"

// RecentLogs keeps the last N log entries for local display.
type RecentLogs struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func NewRecentLogs(size int) *RecentLogs {
	if size <= 0 {
		size = 1
	}
	return &RecentLogs{entries: make([]Entry, size)}
}

func (r *RecentLogs) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (r *RecentLogs) List(limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.entries)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}
