package loqui

import (
	"fmt"

	"github.com/loqui-ai/loqui-go/pkg/protocol"
)

// sequencer restores strict delivery order over inbound frames. The transport
// serializes execution but not delivery order, so frames may arrive reordered
// or duplicated; downstream logic must observe sequence numbers strictly
// increasing with no permanent gaps.
type sequencer struct {
	expected int64
	pending  map[int64]protocol.Frame
	dispatch func(protocol.Inbound)
}

func newSequencer(dispatch func(protocol.Inbound)) *sequencer {
	return &sequencer{
		pending:  make(map[int64]protocol.Frame),
		dispatch: dispatch,
	}
}

// reset clears ordering state for a fresh connection.
func (q *sequencer) reset() {
	q.expected = 0
	q.pending = make(map[int64]protocol.Frame)
}

// push routes one decoded frame:
//   - no seq: out-of-band, dispatched immediately.
//   - seq == expected: dispatched, then buffered successors drained while
//     contiguous.
//   - seq > expected: buffered.
//   - seq < expected: stale duplicate, discarded.
func (q *sequencer) push(frame protocol.Frame) error {
	if frame.Seq == nil {
		q.emit(frame.Msg)
		return nil
	}

	seq := *frame.Seq
	switch {
	case seq == q.expected:
		if err := q.emitSequenced(frame); err != nil {
			return err
		}
		return q.drain()
	case seq > q.expected:
		q.pending[seq] = frame
		return nil
	default:
		// Stale duplicate; already delivered.
		return nil
	}
}

func (q *sequencer) drain() error {
	for {
		frame, ok := q.pending[q.expected]
		if !ok {
			return nil
		}
		delete(q.pending, q.expected)
		if err := q.emitSequenced(frame); err != nil {
			return err
		}
	}
}

// emitSequenced dispatches a frame whose seq equals expected and advances the
// cursor. A batch expands to its sub-frames in embedded order and occupies
// sequence slots [seq, seq+len-1]; buffered frames inside that window are
// superseded duplicates and dropped. An undecodable sub-frame is skipped but
// the batch still consumes all of its slots, so the cursor never leaves a
// permanent gap behind.
func (q *sequencer) emitSequenced(frame protocol.Frame) error {
	batch, ok := frame.Msg.(protocol.Batch)
	if !ok {
		q.emit(frame.Msg)
		q.expected = *frame.Seq + 1
		return nil
	}

	var decodeErr error
	for _, raw := range batch.Messages {
		sub, err := protocol.DecodeInbound(raw)
		if err != nil {
			decodeErr = fmt.Errorf("decode batch sub-frame: %w", err)
			continue
		}
		q.emit(sub.Msg)
	}
	end := *frame.Seq + int64(len(batch.Messages))
	for seq := *frame.Seq; seq < end; seq++ {
		delete(q.pending, seq)
	}
	q.expected = end
	return decodeErr
}

func (q *sequencer) emit(msg protocol.Inbound) {
	if q.dispatch != nil {
		q.dispatch(msg)
	}
}
