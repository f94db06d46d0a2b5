package model

import "fmt"

// Discriminator is the RAM memory of a single label: one counting table per
// hashtable, keyed by rank address.
type Discriminator struct {
	tables  []map[uint64]uint64
	trained uint64
}

func NewDiscriminator(hashtables int) *Discriminator {
	tables := make([]map[uint64]uint64, hashtables)
	for i := range tables {
		tables[i] = map[uint64]uint64{}
	}
	return &Discriminator{tables: tables}
}

// Hashtables returns the number of counting tables.
func (d *Discriminator) Hashtables() int {
	return len(d.tables)
}

// Trained returns how many samples the discriminator has observed.
func (d *Discriminator) Trained() uint64 {
	return d.trained
}

// Train increments table i at addresses[i] for every table. UnknownRank is
// never stored.
func (d *Discriminator) Train(addresses []uint64) error {
	if len(addresses) < len(d.tables) {
		return fmt.Errorf("%w: %d addresses for %d hashtables", ErrOutOfBounds, len(addresses), len(d.tables))
	}
	for i, table := range d.tables {
		if addresses[i] == UnknownRank {
			continue
		}
		table[addresses[i]]++
	}
	d.trained++
	return nil
}

// Classify counts the tables whose entry for the given address was seen more
// than bleach times. Missing addresses never vote.
func (d *Discriminator) Classify(addresses []uint64, bleach uint64) (votes uint64, trained uint64) {
	for i, table := range d.tables {
		if i >= len(addresses) {
			break
		}
		if count, ok := table[addresses[i]]; ok && count > bleach {
			votes++
		}
	}
	return votes, d.trained
}

// Count returns the hit count of address in table i.
func (d *Discriminator) Count(table int, address uint64) uint64 {
	if table < 0 || table >= len(d.tables) {
		return 0
	}
	return d.tables[table][address]
}
