// Package enumerator expands a harvest matrix into its ordered work units.
package enumerator

import (
	"iter"

	"github.com/JakeFAU/map-harvester/internal/harvest"
)

// Enumerate validates m and returns a lazy, restartable sequence of pending
// units in city-major, then request, then category order, along with the
// total unit count. Ordinals are positions in that order, so enumerating the
// same matrix twice always yields the same identities. It performs no I/O.
func Enumerate(m harvest.Matrix) (iter.Seq[harvest.WorkUnit], int, error) {
	if err := m.Validate(); err != nil {
		return nil, 0, err
	}
	seq := func(yield func(harvest.WorkUnit) bool) {
		var ordinal int64
		for _, city := range m.Cities {
			for _, req := range m.Requests {
				for _, cat := range m.Categories {
					unit := harvest.WorkUnit{
						Ordinal:    ordinal,
						City:       city.Name,
						Request:    req.Query,
						Category:   cat.Name,
						ExcludeSet: m.ExcludeSetFor(req, cat),
						Status:     harvest.UnitPending,
					}
					if !yield(unit) {
						return
					}
					ordinal++
				}
			}
		}
	}
	return seq, m.Size(), nil
}

// Batches groups seq into slices of at most size units.
func Batches(seq iter.Seq[harvest.WorkUnit], size int) iter.Seq[[]harvest.WorkUnit] {
	if size <= 0 {
		size = 1
	}
	return func(yield func([]harvest.WorkUnit) bool) {
		batch := make([]harvest.WorkUnit, 0, size)
		for unit := range seq {
			batch = append(batch, unit)
			if len(batch) == size {
				if !yield(batch) {
					return
				}
				batch = make([]harvest.WorkUnit, 0, size)
			}
		}
		if len(batch) > 0 {
			yield(batch)
		}
	}
}
