package fanout

import (
	"encoding/json"
	"sync"

	"github.com/vinayprograms/taskfeed/bus"
	"github.com/vinayprograms/taskfeed/logging"
	"github.com/vinayprograms/taskfeed/tasks"
)

// subscriptionBuffer is the number of snapshots held for a slow reader.
const subscriptionBuffer = 16

type subscription struct {
	busSub bus.Subscription
	out    chan Snapshot
	stopCh chan struct{}
	once   sync.Once
	last   uint64
	logger *logging.Logger
}

// Subscribe returns a channel of snapshots for an operation, starting with
// the current one. Snapshots arrive in order; a reader that falls behind
// loses the oldest buffered ones. The channel closes after a terminal
// snapshot or when cancel is called.
func (c *Coordinator) Subscribe(operationID string) (<-chan Snapshot, func(), error) {
	op, err := c.get(operationID)
	if err != nil {
		return nil, nil, err
	}

	busSub, err := c.bus.Subscribe(c.subject(op.id))
	if err != nil {
		return nil, nil, err
	}

	// Taken on the mailbox so no publish races the starting sequence.
	var current Snapshot
	snapErr := error(tasks.ErrOperationNotFound)
	op.box.call(func() {
		rec, err := c.registry.Snapshot(op.id)
		if err != nil {
			snapErr = err
			return
		}
		current, snapErr = newSnapshot(rec, op.seq.Load()), nil
	})
	if snapErr != nil {
		busSub.Unsubscribe()
		return nil, nil, snapErr
	}

	sub := &subscription{
		busSub: busSub,
		out:    make(chan Snapshot, subscriptionBuffer),
		stopCh: make(chan struct{}),
		last:   current.Seq,
		logger: op.logger,
	}
	sub.out <- current

	if current.Aggregate.IsTerminal() {
		busSub.Unsubscribe()
		close(sub.out)
		return sub.out, func() {}, nil
	}

	go sub.relay()
	return sub.out, sub.cancel, nil
}

func (s *subscription) cancel() {
	s.once.Do(func() {
		close(s.stopCh)
		s.busSub.Unsubscribe()
	})
}

// relay forwards bus messages until a terminal snapshot, cancel, or the
// end of the bus subscription. It is the only writer of out.
func (s *subscription) relay() {
	defer close(s.out)
	defer s.cancel()

	for {
		select {
		case <-s.stopCh:
			return
		case msg, ok := <-s.busSub.Messages():
			if !ok {
				return
			}

			var snap Snapshot
			if err := json.Unmarshal(msg.Data, &snap); err != nil {
				s.logger.Warn("snapshot_decode_failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if snap.Seq <= s.last {
				continue
			}
			s.last = snap.Seq
			s.forward(snap)

			if snap.Aggregate.IsTerminal() {
				return
			}
		}
	}
}

// forward enqueues snap, evicting the oldest snapshot when the buffer is
// full.
func (s *subscription) forward(snap Snapshot) {
	for {
		select {
		case s.out <- snap:
			return
		default:
		}
		select {
		case <-s.out:
		default:
		}
	}
}
