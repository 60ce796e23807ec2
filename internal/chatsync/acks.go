package chatsync

// ackSet is the bounded in-memory view of one room's acknowledged ids,
// oldest first. pending holds ids with an acknowledgement in flight.
type ackSet struct {
	limit   int
	order   []int64
	done    map[int64]struct{}
	pending map[int64]struct{}
}

func newAckSet(limit int, ids []int64) *ackSet {
	a := &ackSet{
		limit:   limit,
		done:    make(map[int64]struct{}, len(ids)),
		pending: make(map[int64]struct{}),
	}

	for _, id := range ids {
		a.add(id)
	}

	return a
}

func (a *ackSet) has(id int64) bool {
	_, ok := a.done[id]
	return ok
}

// reserve claims id for acknowledgement. It reports false when id is
// already acknowledged or in flight.
func (a *ackSet) reserve(id int64) bool {
	if a.has(id) {
		return false
	}

	if _, ok := a.pending[id]; ok {
		return false
	}

	a.pending[id] = struct{}{}

	return true
}

// release drops a reservation after a failed acknowledgement.
func (a *ackSet) release(id int64) {
	delete(a.pending, id)
}

// add records id as acknowledged, evicting the oldest entry when the
// set is full.
func (a *ackSet) add(id int64) {
	delete(a.pending, id)

	if a.has(id) {
		return
	}

	a.done[id] = struct{}{}
	a.order = append(a.order, id)

	for a.limit > 0 && len(a.order) > a.limit {
		delete(a.done, a.order[0])
		a.order = a.order[1:]
	}
}
