package channel

// requestQueue correlates outstanding reply-wanted requests with their
// continuations. The peer answers channel requests in the order they were
// sent, so each success or failure resolves the oldest record.
type requestQueue struct {
	pending []func(failed bool)
}

func (q *requestQueue) push(cb func(failed bool)) {
	if cb == nil {
		cb = func(bool) {}
	}
	q.pending = append(q.pending, cb)
}

// resolve pops the oldest record and runs it. It reports false when nothing
// was outstanding.
func (q *requestQueue) resolve(failed bool) bool {
	if len(q.pending) == 0 {
		return false
	}
	cb := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	cb(failed)
	return true
}

// failAll resolves every outstanding record as failed, oldest first.
func (q *requestQueue) failAll() int {
	pending := q.pending
	q.pending = nil
	for _, cb := range pending {
		cb(true)
	}
	return len(pending)
}

func (q *requestQueue) len() int {
	return len(q.pending)
}
