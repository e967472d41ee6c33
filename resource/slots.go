package resource

// slots is a handle-indexed store. Freed handles are reused most recent
// first. It is not synchronized.
type slots[T any] struct {
	vals []T
	live []bool
	free []Handle
	n    int
}

func (s *slots[T]) put(v T) Handle {
	if k := len(s.free); k > 0 {
		h := s.free[k-1]
		s.free = s.free[:k-1]
		s.vals[h-1] = v
		s.live[h-1] = true
		s.n++
		return h
	}
	s.vals = append(s.vals, v)
	s.live = append(s.live, true)
	s.n++
	return Handle(len(s.vals))
}

func (s *slots[T]) get(h Handle) (T, bool) {
	if h == 0 || int(h) > len(s.vals) || !s.live[h-1] {
		var zero T
		return zero, false
	}
	return s.vals[h-1], true
}

func (s *slots[T]) take(h Handle) (T, bool) {
	v, ok := s.get(h)
	if !ok {
		return v, false
	}
	var zero T
	s.vals[h-1] = zero
	s.live[h-1] = false
	s.free = append(s.free, h)
	s.n--
	return v, true
}

// drain empties the store and returns every live entry in handle order.
func (s *slots[T]) drain() []Event[T] {
	out := make([]Event[T], 0, s.n)
	for i, ok := range s.live {
		if ok {
			out = append(out, Event[T]{Value: s.vals[i], Handle: Handle(i + 1), Type: EventDropped})
		}
	}
	*s = slots[T]{}
	return out
}
