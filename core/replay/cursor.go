package replay

import "iter"

// Cursor walks an engine's records one at a time. A new cursor sits before
// the first record.
type Cursor struct {
	engine  *Engine
	current int
}

func (e *Engine) Cursor() *Cursor {
	return &Cursor{engine: e, current: -1}
}

// Step advances to the next record. It returns false at the end and stays
// there.
func (c *Cursor) Step() (State, bool) {
	if c.current+1 >= len(c.engine.records) {
		c.current = len(c.engine.records)
		return State{}, false
	}
	c.current++
	return stateOf(c.engine.records[c.current], c.current), true
}

// Seek moves to the first record at or after t. It returns false, leaving the
// cursor at the end, when every record precedes t.
func (c *Cursor) Seek(t float64) (State, bool) {
	index := c.engine.ceil(t)
	c.current = index
	if index >= len(c.engine.records) {
		return State{}, false
	}
	return stateOf(c.engine.records[index], index), true
}

// Current returns the record the cursor sits on.
func (c *Cursor) Current() (State, bool) {
	if c.current < 0 || c.current >= len(c.engine.records) {
		return State{}, false
	}
	return stateOf(c.engine.records[c.current], c.current), true
}

// Position is the index of the current record: -1 before the first, Len()
// past the last.
func (c *Cursor) Position() int {
	return c.current
}

func (c *Cursor) Reset() {
	c.current = -1
}

// Trajectory yields every record in order. Each range over the returned
// sequence starts again from the first record.
func (e *Engine) Trajectory() iter.Seq[State] {
	return func(yield func(State) bool) {
		for index, record := range e.records {
			if !yield(stateOf(record, index)) {
				return
			}
		}
	}
}

// Samples yields the interpolated state every interval seconds from the first
// record to the last, always ending on the last record. interval <= 0
// yields the records themselves.
func (e *Engine) Samples(interval float64) iter.Seq[State] {
	if interval <= 0 {
		return e.Trajectory()
	}
	return func(yield func(State) bool) {
		if len(e.records) == 0 {
			return
		}
		first := e.records[0].Timestamp
		last := e.records[len(e.records)-1].Timestamp
		for step := 0; ; step++ {
			t := first + float64(step)*interval
			if t >= last {
				break
			}
			state, err := e.Interpolate(t)
			if err != nil {
				return
			}
			if !yield(state) {
				return
			}
		}
		yield(stateOf(e.records[len(e.records)-1], len(e.records)-1))
	}
}
