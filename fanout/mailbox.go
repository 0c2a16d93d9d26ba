package fanout

import (
	"sync"

	taskerr "github.com/vinayprograms/taskfeed/errors"
)

// mailbox runs posted functions one at a time on its own goroutine. The
// queue is unbounded so post never blocks.
type mailbox struct {
	onPanic func(err error)

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newMailbox(onPanic func(err error)) *mailbox {
	m := &mailbox{
		onPanic: onPanic,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// post enqueues fn. It returns false once the mailbox is closed.
func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the mailbox goroutine and waits for it. It must not be
// used from inside a posted function.
func (m *mailbox) call(fn func()) bool {
	ran := make(chan struct{})
	if !m.post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-m.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

func (m *mailbox) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.mu.Unlock()
			<-m.wake
			m.mu.Lock()
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, fn := range batch {
			m.exec(fn)
		}
	}
}

func (m *mailbox) exec(fn func()) {
	defer func() {
		if err := taskerr.RecoverPanic(recover()); err != nil && m.onPanic != nil {
			m.onPanic(err)
		}
	}()
	fn()
}

// close stops accepting work, drains what is queued and waits for the
// goroutine to exit.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	<-m.done
}
