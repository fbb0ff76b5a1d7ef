package executor

import (
	"github.com/ontospan/triplestore/internal/sparql/binding"
)

// nestedLoopIter is the Volcano nested-loop join: for every left row, a
// fresh right iterator is built (with the left row's bindings available
// to constrain it) and drained before advancing left.
type nestedLoopIter struct {
	left       RowIter
	buildRight func(left binding.Binding) (RowIter, error)

	leftRow binding.Binding
	right   RowIter
	current binding.Binding
	err     error
}

func (n *nestedLoopIter) Next() bool {
	for {
		if n.right != nil {
			for n.right.Next() {
				r := n.right.Row()
				// The right side may not have had every left binding pushed
				// in (compound subtrees are rebuilt, not re-scanned), so
				// shared variables are checked here and the left row's
				// bindings folded back into the output.
				if !n.leftRow.Compatible(r) {
					continue
				}
				n.current = n.leftRow.Merge(r)
				return true
			}
			if err := n.right.Err(); err != nil {
				n.err = err
				return false
			}
			n.right.Close()
			n.right = nil
		}
		if !n.left.Next() {
			if err := n.left.Err(); err != nil {
				n.err = err
			}
			return false
		}
		n.leftRow = n.left.Row()
		right, err := n.buildRight(n.leftRow)
		if err != nil {
			n.err = err
			return false
		}
		n.right = right
	}
}

func (n *nestedLoopIter) Row() binding.Binding { return n.current }
func (n *nestedLoopIter) Err() error            { return n.err }
func (n *nestedLoopIter) Close() error {
	var firstErr error
	if n.right != nil {
		if err := n.right.Close(); err != nil {
			firstErr = err
		}
	}
	if err := n.left.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// producerIter runs produce on its own goroutine, pulling emitted rows
// through an unbuffered channel; Close signals the goroutine to stop
// early via done without waiting for it to exhaust its own search (used
// by the leapfrog BGP strategy, which is naturally expressed as a
// recursive/backtracking producer rather than an explicit state machine).
type producerIter struct {
	rows    chan binding.Binding
	done    chan struct{}
	errCh   chan error
	current binding.Binding
	err     error
	closed  bool
}

func newProducerIter(produce func(emit func(binding.Binding) bool) error) *producerIter {
	it := &producerIter{
		rows:  make(chan binding.Binding),
		done:  make(chan struct{}),
		errCh: make(chan error, 1),
	}
	go func() {
		defer close(it.rows)
		emit := func(r binding.Binding) bool {
			select {
			case it.rows <- r.Clone():
				return true
			case <-it.done:
				return false
			}
		}
		if err := produce(emit); err != nil {
			it.errCh <- err
		}
	}()
	return it
}

func (p *producerIter) Next() bool {
	r, ok := <-p.rows
	if !ok {
		select {
		case err := <-p.errCh:
			p.err = err
		default:
		}
		return false
	}
	p.current = r
	return true
}

func (p *producerIter) Row() binding.Binding { return p.current }
func (p *producerIter) Err() error           { return p.err }

func (p *producerIter) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	for range p.rows {
	}
	select {
	case err := <-p.errCh:
		if p.err == nil {
			p.err = err
		}
	default:
	}
	return nil
}
