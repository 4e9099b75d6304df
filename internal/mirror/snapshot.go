package mirror

import "mmengine/pkg/types"

// Snapshot is the serializable state of a mirror, persisted between agent
// runs. Tickers, books and trades are deliberately excluded: they are
// cheap to refetch and stale copies are worse than none.
type Snapshot struct {
	Lockdown  bool                     `json:"lockdown"`
	Balances  map[string]types.Balance `json:"balances"`
	Open      map[string]types.Order   `json:"open"`
	Closed    map[string]types.Order   `json:"closed"`
	Cancelled map[string]types.Order   `json:"cancelled"`
}

// Snapshot captures the persistent state.
func (e *Exchange) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		Lockdown:  e.lockdown,
		Balances:  make(map[string]types.Balance, len(e.balances)),
		Open:      make(map[string]types.Order, len(e.open)),
		Closed:    make(map[string]types.Order, len(e.closed)),
		Cancelled: make(map[string]types.Order, len(e.cancelled)),
	}
	for cur, b := range e.balances {
		s.Balances[cur] = *b
	}
	for id, o := range e.open {
		s.Open[id] = *o
	}
	for id, o := range e.closed {
		s.Closed[id] = *o
	}
	for id, o := range e.cancelled {
		s.Cancelled[id] = *o
	}
	return s
}

// Restore replaces the mirror's persistent state with a snapshot.
// Configured reserves are reapplied so a config change between runs takes
// effect immediately.
func (e *Exchange) Restore(s Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lockdown = s.Lockdown
	e.balances = make(map[string]*types.Balance, len(s.Balances))
	for cur, b := range s.Balances {
		nb := b
		nb.Locked = e.reserveOf(cur)
		e.balances[cur] = &nb
	}
	e.open = make(map[string]*types.Order, len(s.Open))
	for id, o := range s.Open {
		no := o
		e.open[id] = &no
	}
	e.closed = make(map[string]*types.Order, len(s.Closed))
	for id, o := range s.Closed {
		no := o
		e.closed[id] = &no
	}
	e.cancelled = make(map[string]*types.Order, len(s.Cancelled))
	for id, o := range s.Cancelled {
		no := o
		e.cancelled[id] = &no
	}
}
