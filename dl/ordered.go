package dl

import "slices"

// orderedStage hands finished parts on in ascending part order. Only parts
// that were started are waited for; a part that will not be started again is
// dropped with prune.
type orderedStage[T any] struct {
	due     []int32
	pending map[int32]T
}

func newOrderedStage[T any]() *orderedStage[T] {
	return &orderedStage[T]{pending: make(map[int32]T)}
}

// expect records that the result of part id is coming.
func (s *orderedStage[T]) expect(id int32) {
	i, found := slices.BinarySearch(s.due, id)
	if !found {
		s.due = slices.Insert(s.due, i, id)
	}
}

// add stores item under id and passes every item that is now in order to fn.
// An item nobody waits for goes to fn at once. It stops at the first error.
func (s *orderedStage[T]) add(id int32, item T, fn func(T) error) error {
	if _, found := slices.BinarySearch(s.due, id); !found {
		return fn(item)
	}
	s.pending[id] = item
	return s.release(fn)
}

// prune stops waiting for parts without a stored result for which keep
// reports false, then releases what became in order.
func (s *orderedStage[T]) prune(keep func(id int32) bool, fn func(T) error) error {
	s.due = slices.DeleteFunc(s.due, func(id int32) bool {
		_, done := s.pending[id]
		return !done && !keep(id)
	})
	return s.release(fn)
}

func (s *orderedStage[T]) release(fn func(T) error) error {
	for len(s.due) > 0 {
		item, ok := s.pending[s.due[0]]
		if !ok {
			return nil
		}
		delete(s.pending, s.due[0])
		s.due = s.due[1:]
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

func (s *orderedStage[T]) len() int {
	return len(s.pending)
}

// clear drops everything still waiting.
func (s *orderedStage[T]) clear() {
	s.due = nil
	s.pending = make(map[int32]T)
}
