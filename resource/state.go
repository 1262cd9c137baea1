package resource

import "fmt"

// State is the bandwidth budget of one worker, or of the whole pool when held
// by the Manager. All values are in bytes.
//
// limit is what the worker was granted in total, used is what it has already
// consumed or given back, using is reserved by parts in flight and
// estimatedLimit is the limit the worker would need to finish its current
// window.
type State struct {
	unitSize       int64
	limit          int64
	used           int64
	using          int64
	estimatedLimit int64
}

// NewState returns an empty budget handed out in multiples of unitSize.
func NewState(unitSize int64) State {
	return State{unitSize: unitSize}
}

func (s State) UnitSize() int64 {
	if s.unitSize <= 0 {
		return 1
	}
	return s.unitSize
}

func (s *State) SetUnitSize(unitSize int64) {
	s.unitSize = unitSize
}

func (s State) Limit() int64          { return s.limit }
func (s State) Used() int64           { return s.used }
func (s State) Using() int64          { return s.using }
func (s State) EstimatedLimit() int64 { return s.estimatedLimit }

// ActiveLimit is the granted budget that is not consumed yet.
func (s State) ActiveLimit() int64 {
	return s.limit - s.used
}

// Unused is the granted budget that is neither consumed nor reserved.
func (s State) Unused() int64 {
	return s.limit - s.using - s.used
}

// EstimatedExtra is how much more budget the worker asks for, rounded up to
// whole units.
func (s State) EstimatedExtra() int64 {
	unit := s.UnitSize()
	unused := max(s.limit, s.estimatedLimit) - s.using - s.used
	unused = (unused + unit - 1) / unit * unit
	return unused + s.using + s.used - s.limit
}

// StartUse reserves n bytes for a part in flight.
func (s *State) StartUse(n int64) {
	s.using += n
}

// StopUse moves n reserved bytes to consumed.
func (s *State) StopUse(n int64) {
	s.using -= n
	s.used += n
}

// UpdateLimit grants extra bytes.
func (s *State) UpdateLimit(extra int64) {
	s.limit += extra
}

// UpdateEstimatedLimit records that extra more bytes are needed on top of the
// ones already in flight. Granted budget beyond the new estimate is given
// back by counting it as used. It reports whether the estimate changed.
func (s *State) UpdateEstimatedLimit(extra int64) bool {
	// the parts in flight may already cover some of extra
	inter := min(s.using, extra)
	estimated := s.used + s.using + extra - inter
	if estimated < s.limit {
		s.used += s.limit - estimated
		estimated = s.limit
	}
	if estimated == s.estimatedLimit {
		return false
	}
	s.estimatedLimit = estimated
	return true
}

// Add folds a worker budget into a pool budget.
func (s *State) Add(other State) {
	s.using += other.ActiveLimit()
	s.used += other.used
}

// Sub removes a worker budget previously folded in with Add.
func (s *State) Sub(other State) {
	s.using -= other.ActiveLimit()
	s.used -= other.used
}

// UpdateMaster copies what the worker owns into the manager's copy.
func (s *State) UpdateMaster(other State) {
	s.estimatedLimit = other.estimatedLimit
	s.used = other.used
	s.using = other.using
	s.unitSize = other.unitSize
}

// UpdateSlave copies what the manager owns into the worker's copy.
func (s *State) UpdateSlave(other State) {
	s.limit = other.limit
}

func (s State) String() string {
	return fmt.Sprintf("[limit:%d][used:%d][using:%d][unit:%d][estimated_limit:%d]",
		s.limit, s.used, s.using, s.UnitSize(), s.estimatedLimit)
}
