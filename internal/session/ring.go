package session

// ring keeps the most recent items up to a fixed capacity.
type ring struct {
	items []HistoryItem
	start int
	size  int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{items: make([]HistoryItem, capacity)}
}

func (r *ring) push(it HistoryItem) {
	if r.size < len(r.items) {
		r.items[(r.start+r.size)%len(r.items)] = it
		r.size++
		return
	}
	r.items[r.start] = it
	r.start = (r.start + 1) % len(r.items)
}

// list returns items oldest first.
func (r *ring) list() []HistoryItem {
	out := make([]HistoryItem, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	return out
}
