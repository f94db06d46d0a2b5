package model

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"slices"
	"strings"
)

// Model blob layout:
// [Magic "WSRD" 4B] [Version 1B] [CRC32 of payload 4B] [Payload length 8B] [gob payload]
const (
	codecMagic   = "WSRD"
	codecVersion = 1
	headerSize   = 4 + 1 + 4 + 8
)

type cell struct {
	Address uint64
	Count   uint64
}

type discriminatorState struct {
	Label   string
	Tables  [][]cell
	Trained uint64
}

type rankState struct {
	Pattern []uint16
	Rank    uint64
}

// networkState is the gob payload. Fields are matched by name on decode, so
// new fields can be added without breaking older blobs.
type networkState struct {
	Discriminators []discriminatorState
	AddrLength     uint16
	Hashtables     uint16
	Mapping        []int
	LastRank       uint64
	Ranks          []rankState
	Bleach         uint16
	TargetSize     Size
}

// Save serializes the whole network state.
func (n *Network[T]) Save() ([]byte, error) {
	var buf bytes.Buffer
	if err := n.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load replaces the network state with the one serialized in data. The
// current state is kept if data is invalid.
func (n *Network[T]) Load(data []byte) error {
	return n.Decode(bytes.NewReader(data))
}

// SaveToFile writes the serialized network to path.
func (n *Network[T]) SaveToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return ioError("create model file", err)
	}
	w := bufio.NewWriter(f)
	if err := n.Encode(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return ioError("write model file", err)
	}
	if err := f.Close(); err != nil {
		return ioError("close model file", err)
	}
	return nil
}

// LoadFromFile replaces the network state with the one stored at path.
func (n *Network[T]) LoadFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return ioError("open model file", err)
	}
	defer f.Close()
	return n.Decode(bufio.NewReader(f))
}

// Encode writes the framed model blob to w.
func (n *Network[T]) Encode(w io.Writer) error {
	var state networkState
	if err := n.read(func() error {
		state = n.snapshot()
		return nil
	}); err != nil {
		return err
	}
	return gobFrame(w, state)
}

// gobFrame writes state as a framed gob payload.
func gobFrame(w io.Writer, state networkState) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(&state); err != nil {
		return serializationError("encode state", err)
	}

	header := make([]byte, headerSize)
	copy(header[0:4], codecMagic)
	header[4] = codecVersion
	binary.LittleEndian.PutUint32(header[5:9], crc32.ChecksumIEEE(payload.Bytes()))
	binary.LittleEndian.PutUint64(header[9:17], uint64(payload.Len()))

	if _, err := w.Write(header); err != nil {
		return ioError("write header", err)
	}
	if _, err := w.Write(payload.Bytes()); err != nil {
		return ioError("write payload", err)
	}
	return nil
}

// Decode reads a framed model blob from r and installs it.
func (n *Network[T]) Decode(r io.Reader) error {
	state, err := readState(r)
	if err != nil {
		return err
	}
	params, discs, ranks, err := state.restore()
	if err != nil {
		return err
	}
	return n.replace(func() error {
		n.params = params
		n.discs = discs
		n.ranks = ranks
		return nil
	})
}

func readState(r io.Reader) (networkState, error) {
	var state networkState

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return state, readError("read header", err)
	}
	if string(header[0:4]) != codecMagic {
		return state, serializationError("invalid magic number", nil)
	}
	if header[4] != codecVersion {
		return state, serializationError("unsupported format version", nil)
	}
	storedCRC := binary.LittleEndian.Uint32(header[5:9])
	size := binary.LittleEndian.Uint64(header[9:17])

	payload, err := io.ReadAll(io.LimitReader(r, int64(min(size, 1<<62))))
	if err != nil {
		return state, readError("read payload", err)
	}
	if uint64(len(payload)) != size {
		return state, serializationError("truncated payload", nil)
	}
	if crc32.ChecksumIEEE(payload) != storedCRC {
		return state, serializationError("crc mismatch", nil)
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&state); err != nil {
		return state, serializationError("decode state", err)
	}
	return state, nil
}

func readError(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return serializationError(op, err)
	}
	return ioError(op, err)
}

// snapshot must be called with at least the read lock held. Entries are
// sorted so equal states produce identical blobs.
func (n *Network[T]) snapshot() networkState {
	state := networkState{
		Discriminators: make([]discriminatorState, 0, len(n.discs)),
		AddrLength:     n.params.AddrLength,
		Hashtables:     n.params.Hashtables,
		Mapping:        append([]int(nil), n.params.Mapping...),
		LastRank:       n.ranks.Next(),
		Ranks:          make([]rankState, 0, n.ranks.Len()),
		Bleach:         n.params.Bleach,
		TargetSize:     n.params.TargetSize,
	}

	for label, disc := range n.discs {
		ds := discriminatorState{
			Label:   label,
			Tables:  make([][]cell, len(disc.tables)),
			Trained: disc.trained,
		}
		for i, table := range disc.tables {
			cells := make([]cell, 0, len(table))
			for address, count := range table {
				cells = append(cells, cell{Address: address, Count: count})
			}
			slices.SortFunc(cells, func(a, b cell) int {
				return cmp.Compare(a.Address, b.Address)
			})
			ds.Tables[i] = cells
		}
		state.Discriminators = append(state.Discriminators, ds)
	}
	slices.SortFunc(state.Discriminators, func(a, b discriminatorState) int {
		return strings.Compare(a.Label, b.Label)
	})

	n.ranks.Ascend(func(positions []uint16, rank uint64) bool {
		state.Ranks = append(state.Ranks, rankState{Pattern: positions, Rank: rank})
		return true
	})
	slices.SortFunc(state.Ranks, func(a, b rankState) int {
		return cmp.Compare(a.Rank, b.Rank)
	})
	return state
}

// restore rebuilds live structures from a decoded state, rejecting anything
// that violates the network invariants.
func (s networkState) restore() (Hyperparameters, map[string]*Discriminator, *RankTable, error) {
	params := Hyperparameters{
		Hashtables: s.Hashtables,
		AddrLength: s.AddrLength,
		Bleach:     s.Bleach,
		TargetSize: s.TargetSize,
		Mapping:    s.Mapping,
	}
	if err := params.Validate(); err != nil {
		return params, nil, nil, serializationError("invalid hyperparameters", err)
	}

	discs := make(map[string]*Discriminator, len(s.Discriminators))
	for _, ds := range s.Discriminators {
		if _, dup := discs[ds.Label]; dup {
			return params, nil, nil, serializationError("duplicate label "+ds.Label, nil)
		}
		if len(ds.Tables) != int(s.Hashtables) {
			return params, nil, nil, serializationError("hashtable count mismatch for label "+ds.Label, nil)
		}
		disc := NewDiscriminator(int(s.Hashtables))
		for i, cells := range ds.Tables {
			for _, c := range cells {
				if c.Address == UnknownRank {
					return params, nil, nil, serializationError("reserved address in label "+ds.Label, nil)
				}
				disc.tables[i][c.Address] = c.Count
			}
		}
		disc.trained = ds.Trained
		discs[ds.Label] = disc
	}

	if s.LastRank >= UnknownRank {
		return params, nil, nil, serializationError("corrupt rank counter", nil)
	}
	ranks := NewRankTable()
	seen := make(map[uint64]bool, len(s.Ranks))
	for _, rs := range s.Ranks {
		if rs.Rank >= s.LastRank || seen[rs.Rank] {
			return params, nil, nil, serializationError("corrupt rank table", nil)
		}
		if len(rs.Pattern) == 0 || len(rs.Pattern) > int(s.AddrLength) {
			return params, nil, nil, serializationError("corrupt rank pattern", nil)
		}
		if !ranks.insert(rs.Pattern, rs.Rank) {
			return params, nil, nil, serializationError("duplicate rank pattern", nil)
		}
		seen[rs.Rank] = true
	}
	ranks.next = s.LastRank

	return params, discs, ranks, nil
}
