package revision

import "fmt"

// Range：闭区间 [Start, End]，用于请求补发一段缺失的修订
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func NewRange(start, end int64) (Range, error) {
	r := Range{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

func (r Range) Validate() error {
	if r.Start < 0 || r.End < r.Start {
		return fmt.Errorf("[%d, %d]: %w", r.Start, r.End, ErrInvalidRange)
	}
	return nil
}

func (r Range) Len() int64 { return r.End - r.Start + 1 }

func (r Range) Contains(revID int64) bool { return revID >= r.Start && revID <= r.End }

func (r Range) IDs() []int64 {
	ids := make([]int64, 0, r.Len())
	for id := r.Start; id <= r.End; id++ {
		ids = append(ids, id)
	}
	return ids
}

func (r Range) String() string { return fmt.Sprintf("[%d, %d]", r.Start, r.End) }
