package dynamixel

// requestQueue keeps pending requests in submission order, one slot per
// control. Resubmitting a control overwrites its values and moves it to the
// back of the queue.
type requestQueue struct {
	order  []*Control
	values map[*Control][]int
}

func newRequestQueue() *requestQueue {
	return &requestQueue{values: make(map[*Control][]int)}
}

func (q *requestQueue) put(c *Control, values []int) {
	if _, ok := q.values[c]; ok {
		for i, k := range q.order {
			if k == c {
				q.order = append(q.order[:i], q.order[i+1:]...)
				break
			}
		}
	}
	q.order = append(q.order, c)
	q.values[c] = values
}

func (q *requestQueue) get(c *Control) ([]int, bool) {
	v, ok := q.values[c]
	return v, ok
}

// take removes and returns the entry for c.
func (q *requestQueue) take(c *Control) ([]int, bool) {
	v, ok := q.values[c]
	if !ok {
		return nil, false
	}
	delete(q.values, c)
	for i, k := range q.order {
		if k == c {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return v, true
}

// firstEEPROM returns the oldest pending request on an EEPROM control.
func (q *requestQueue) firstEEPROM() (*Control, bool) {
	for _, c := range q.order {
		if !c.RAM {
			return c, true
		}
	}
	return nil, false
}

func (q *requestQueue) len() int {
	return len(q.order)
}

// drain empties the queue and returns its entries in submission order.
func (q *requestQueue) drain() ([]*Control, map[*Control][]int) {
	order := q.order
	values := q.values
	q.order = nil
	q.values = make(map[*Control][]int)
	return order, values
}
