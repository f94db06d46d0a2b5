package model

import (
	"encoding/binary"
	"math"

	"github.com/google/btree"
)

// UnknownRank is the address produced at inference time for a window pattern
// that was never seen during training. Ranks are assigned densely from zero,
// so this value is never handed out to a real pattern.
const UnknownRank = uint64(math.MaxUint64)

const rankTableDegree = 32

// pattern is the ordered list of window positions obtained by sorting a window
// by value, packed as little-endian uint16s so it can be used as a key.
type pattern string

func newPattern(positions []uint16) pattern {
	buf := make([]byte, 2*len(positions))
	for i, p := range positions {
		binary.LittleEndian.PutUint16(buf[2*i:], p)
	}
	return pattern(buf)
}

func (p pattern) positions() []uint16 {
	out := make([]uint16, len(p)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16([]byte(p[2*i : 2*i+2]))
	}
	return out
}

type rankItem struct {
	pattern pattern
	rank    uint64
}

func (i rankItem) Less(than btree.Item) bool {
	return i.pattern < than.(rankItem).pattern
}

// RankTable memoizes the dense rank assigned to every window pattern seen
// during training. It is not safe for concurrent mutation; the owning Network
// serializes writers.
type RankTable struct {
	tree *btree.BTree
	next uint64
}

func NewRankTable() *RankTable {
	return &RankTable{tree: btree.New(rankTableDegree)}
}

// Len returns the number of distinct patterns seen so far.
func (t *RankTable) Len() int {
	return t.tree.Len()
}

// Next returns the rank the next unseen pattern will receive.
func (t *RankTable) Next() uint64 {
	return t.next
}

// Lookup returns the rank of p without modifying the table.
func (t *RankTable) Lookup(p pattern) (uint64, bool) {
	res := t.tree.Get(rankItem{pattern: p})
	if res == nil {
		return 0, false
	}
	return res.(rankItem).rank, true
}

// Assign returns the rank of p, assigning the next free rank if p is new.
// Once every rank below UnknownRank is taken, new patterns get UnknownRank
// and are not stored.
func (t *RankTable) Assign(p pattern) uint64 {
	if rank, ok := t.Lookup(p); ok {
		return rank
	}
	if t.next >= UnknownRank {
		return UnknownRank
	}
	rank := t.next
	t.tree.ReplaceOrInsert(rankItem{pattern: p, rank: rank})
	t.next++
	return rank
}

// Reset forgets every pattern and restarts rank assignment at zero.
func (t *RankTable) Reset() {
	t.tree.Clear(false)
	t.next = 0
}

// Ascend visits every entry in pattern order.
func (t *RankTable) Ascend(fn func(positions []uint16, rank uint64) bool) {
	t.tree.Ascend(func(i btree.Item) bool {
		item := i.(rankItem)
		return fn(item.pattern.positions(), item.rank)
	})
}

func (t *RankTable) insert(positions []uint16, rank uint64) bool {
	prev := t.tree.ReplaceOrInsert(rankItem{pattern: newPattern(positions), rank: rank})
	return prev == nil
}
