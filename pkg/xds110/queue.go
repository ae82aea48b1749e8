package xds110

import "context"

type completion struct {
	data []byte
	err  error
}

type request struct {
	size int
	done chan completion
}

// requestQueue issues bulk-IN requests strictly in submission order and hands
// back completions in the same order. A single pump goroutine owns the
// endpoint so no two reads can be reordered on the wire.
type requestQueue struct {
	ep     bulkIn
	ctx    context.Context
	cancel context.CancelFunc

	issue chan *request
	fifo  []*request
}

func newRequestQueue(ctx context.Context, ep bulkIn, depth int) *requestQueue {
	ctx, cancel := context.WithCancel(ctx)
	q := &requestQueue{
		ep:     ep,
		ctx:    ctx,
		cancel: cancel,
		issue:  make(chan *request, depth),
	}
	go q.pump()
	return q
}

func (q *requestQueue) pump() {
	for {
		select {
		case <-q.ctx.Done():
			return
		case r := <-q.issue:
			buf := make([]byte, r.size)
			n, err := q.ep.ReadContext(q.ctx, buf)
			if err != nil {
				r.done <- completion{err: err}
				continue
			}
			r.done <- completion{data: buf[:n]}
		}
	}
}

// submit queues one request of size bytes. The caller never has more than
// depth requests undrained, so the send does not block.
func (q *requestQueue) submit(size int) {
	r := &request{size: size, done: make(chan completion, 1)}
	q.fifo = append(q.fifo, r)
	q.issue <- r
}

func (q *requestQueue) pending() int {
	return len(q.fifo)
}

// next waits for the oldest outstanding request.
func (q *requestQueue) next(ctx context.Context) ([]byte, error) {
	r := q.fifo[0]
	q.fifo = q.fifo[1:]
	select {
	case c := <-r.done:
		return c.data, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// close drops requests that were queued but never issued.
func (q *requestQueue) close() {
	q.cancel()
}
