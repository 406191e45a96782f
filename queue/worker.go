package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkerPool runs submitted tasks on their own goroutines, at most size at
// a time. Submit never blocks; tasks beyond the bound wait for a slot on
// their own goroutine.
type WorkerPool struct {
	workers  chan struct{}
	wg       sync.WaitGroup
	inFlight prometheus.Gauge
}

func NewWorkerPool(size int, inFlight prometheus.Gauge) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		workers:  make(chan struct{}, size),
		inFlight: inFlight,
	}
}

func (p *WorkerPool) Submit(task func()) {
	p.wg.Add(1)
	go func() {
		p.workers <- struct{}{}
		if p.inFlight != nil {
			p.inFlight.Inc()
		}
		defer func() {
			if p.inFlight != nil {
				p.inFlight.Dec()
			}
			<-p.workers
			p.wg.Done()
		}()
		task()
	}()
}

// Wait blocks until every submitted task has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
