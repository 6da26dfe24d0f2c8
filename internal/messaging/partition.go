package messaging

import (
	"context"
	"hash/fnv"
	"sync"
)

type job struct {
	ctx    context.Context
	d      *Delivery
	result chan error
}

// Partitioner runs a fixed set of workers and routes every delivery to the
// worker owning its correlation id. Deliveries for one correlation id are
// handled one at a time, in arrival order; different ids run concurrently.
type Partitioner struct {
	next    Handler
	workers []chan job
	wg      sync.WaitGroup
	once    sync.Once
	done    chan struct{}
}

// NewPartitioner starts count workers in front of next.
func NewPartitioner(count int, next Handler) *Partitioner {
	if count <= 0 {
		count = 1
	}
	p := &Partitioner{
		next:    next,
		workers: make([]chan job, count),
		done:    make(chan struct{}),
	}
	for i := range p.workers {
		ch := make(chan job)
		p.workers[i] = ch
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-p.done:
					return
				case j := <-ch:
					j.result <- p.next(j.ctx, j.d)
				}
			}
		}()
	}
	return p
}

// Handle is a Handler that blocks until the owning worker has processed d.
func (p *Partitioner) Handle(ctx context.Context, d *Delivery) error {
	j := job{ctx: ctx, d: d, result: make(chan error, 1)}
	w := p.workers[p.slot(d.Envelope.CorrelationID)]

	select {
	case w <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}

	select {
	case err := <-j.result:
		return err
	case <-p.done:
		return ErrClosed
	}
}

// Stop terminates the workers after the deliveries in flight complete.
func (p *Partitioner) Stop() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Partitioner) slot(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.workers)))
}
