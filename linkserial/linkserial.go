// Package linkserial owns the SPI bus on behalf of every Dock so that
// no two exchanges overlap: a single worker goroutine drains a bounded
// job queue and runs each exchange to completion before the next.
package linkserial

import "sync"

// queueCapacity bounds outstanding jobs across all docks; producers
// overflowing it block rather than drop.
const queueCapacity = 30

// Serializer is the single cooperative worker that runs dock exchanges
// to completion one at a time. It is a process-wide singleton: see
// Get.
type Serializer struct {
	jobs chan func()
}

var (
	once     sync.Once
	instance *Serializer
)

// Get returns the process-wide Serializer, constructing and starting
// it on first use. It is never torn down.
func Get() *Serializer {
	once.Do(func() {
		instance = &Serializer{jobs: make(chan func(), queueCapacity)}
		go instance.run()
	})
	return instance
}

func (s *Serializer) run() {
	for job := range s.jobs {
		job()
	}
}

// Submit enqueues fn to run on the worker goroutine, in the order
// Submit was called by this caller. It blocks if the queue is full and
// never cancels a job once it starts.
func (s *Serializer) Submit(fn func()) {
	s.jobs <- fn
}

// Submit enqueues fn on the process-wide Serializer.
func Submit(fn func()) {
	Get().Submit(fn)
}
