package model

import (
	"cmp"
	"fmt"
	"slices"
)

// Encoder turns a raw sample into rank addresses: it gathers the sample
// through the feature mapping, cuts the result into windows of AddrLength
// values and replaces every window by the rank of its value ordering.
// The last window may be shorter when the mapping length is not a multiple of
// AddrLength; it is ranked like any other.
type Encoder[T cmp.Ordered] struct {
	Mapping    []int
	AddrLength int
	Ranks      *RankTable
}

// Train encodes sample, assigning new ranks to unseen window patterns.
func (e Encoder[T]) Train(sample []T) ([]uint64, error) {
	mapped, err := e.gather(sample)
	if err != nil {
		return nil, err
	}
	return e.encode(mapped, e.Ranks.Assign), nil
}

// Classify encodes sample without touching the rank table. Unseen patterns
// become UnknownRank.
func (e Encoder[T]) Classify(sample []T) ([]uint64, error) {
	mapped, err := e.gather(sample)
	if err != nil {
		return nil, err
	}
	return e.encode(mapped, func(p pattern) uint64 {
		if rank, ok := e.Ranks.Lookup(p); ok {
			return rank
		}
		return UnknownRank
	}), nil
}

func (e Encoder[T]) gather(sample []T) ([]T, error) {
	mapped := make([]T, len(e.Mapping))
	for i, idx := range e.Mapping {
		if idx < 0 || idx >= len(sample) {
			return nil, fmt.Errorf("%w: mapping index %d, sample length %d", ErrOutOfBounds, idx, len(sample))
		}
		mapped[i] = sample[idx]
	}
	return mapped, nil
}

func (e Encoder[T]) encode(mapped []T, rank func(pattern) uint64) []uint64 {
	addresses := make([]uint64, 0, (len(mapped)+e.AddrLength-1)/e.AddrLength)
	positions := make([]uint16, e.AddrLength)
	for start := 0; start < len(mapped); start += e.AddrLength {
		end := min(start+e.AddrLength, len(mapped))
		addresses = append(addresses, rank(windowPattern(mapped[start:end], positions)))
	}
	return addresses
}

// windowPattern sorts the window positions by value. Equal values keep their
// position order.
func windowPattern[T cmp.Ordered](window []T, positions []uint16) pattern {
	positions = positions[:len(window)]
	for i := range positions {
		positions[i] = uint16(i)
	}
	slices.SortStableFunc(positions, func(a, b uint16) int {
		return cmp.Compare(window[a], window[b])
	})
	return newPattern(positions)
}
