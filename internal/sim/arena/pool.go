package arena

type poolEntry[T any] struct {
	value      *T
	generation uint32
}

// Pool is a growable generational arena for a single goroutine. Values are
// heap-allocated so pointers returned by Get stay valid across inserts.
type Pool[T any] struct {
	entries []poolEntry[T]
	free    []int
	live    int
}

func NewPool[T any](hint int) *Pool[T] {
	return &Pool[T]{entries: make([]poolEntry[T], 0, hint)}
}

func (p *Pool[T]) Len() int { return p.live }

func (p *Pool[T]) Insert(v T) Index {
	vp := new(T)
	*vp = v
	var i int
	if n := len(p.free); n > 0 {
		i = p.free[n-1]
		p.free = p.free[:n-1]
		p.entries[i].value = vp
	} else {
		i = len(p.entries)
		p.entries = append(p.entries, poolEntry[T]{value: vp})
	}
	p.live++
	return Index{Slot: i, Generation: p.entries[i].generation}
}

func (p *Pool[T]) Get(h Index) (*T, bool) {
	if h.Slot < 0 || h.Slot >= len(p.entries) {
		return nil, false
	}
	e := &p.entries[h.Slot]
	if e.value == nil || e.generation != h.Generation {
		return nil, false
	}
	return e.value, true
}

func (p *Pool[T]) Remove(h Index) (T, bool) {
	var zero T
	if _, ok := p.Get(h); !ok {
		return zero, false
	}
	e := &p.entries[h.Slot]
	v := *e.value
	e.value = nil
	e.generation++
	p.free = append(p.free, h.Slot)
	p.live--
	return v, true
}

// Each visits live entries in slot order.
func (p *Pool[T]) Each(fn func(Index, *T)) {
	for i := range p.entries {
		e := &p.entries[i]
		if e.value == nil {
			continue
		}
		fn(Index{Slot: i, Generation: e.generation}, e.value)
	}
}
