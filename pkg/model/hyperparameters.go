package model

import "math/rand"

const (
	DefaultHashtables = 35
	DefaultAddrLength = 21
	DefaultBleach     = 0
	DefaultWidth      = 28
	DefaultHeight     = 28
)

// Size is the (possibly resized) input geometry a model expects.
type Size struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

func (s Size) Pixels() uint64 {
	return uint64(s.Width) * uint64(s.Height)
}

func (s Size) IsZero() bool {
	return s.Width == 0 && s.Height == 0
}

// Hyperparameters configure a Network. A zero TargetSize means 28x28 and a nil
// Mapping asks for a freshly shuffled one covering Hashtables*AddrLength
// sample positions.
type Hyperparameters struct {
	Hashtables uint16
	AddrLength uint16
	Bleach     uint16
	TargetSize Size
	Mapping    []int
}

func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		Hashtables: DefaultHashtables,
		AddrLength: DefaultAddrLength,
		Bleach:     DefaultBleach,
		TargetSize: Size{Width: DefaultWidth, Height: DefaultHeight},
	}
}

// Cells is the number of sample positions consumed by the discriminators.
func (h Hyperparameters) Cells() uint64 {
	return uint64(h.Hashtables) * uint64(h.AddrLength)
}

// MaxCells bounds Hashtables*AddrLength so a shuffled mapping always fits in memory.
const MaxCells = 1 << 24

// resolve fills in the target size and mapping defaults and validates the
// result. The returned value never aliases the caller's mapping.
func (h Hyperparameters) resolve() (Hyperparameters, error) {
	if h.TargetSize.IsZero() {
		h.TargetSize = Size{Width: DefaultWidth, Height: DefaultHeight}
	}
	if err := h.validateGeometry(); err != nil {
		return h, err
	}
	if h.Mapping == nil {
		h.Mapping = rand.Perm(int(h.Cells()))
	} else {
		h.Mapping = append([]int(nil), h.Mapping...)
	}
	return h, h.Validate()
}

// Validate checks the geometry invariants between hashtables, address length,
// mapping and target size.
func (h Hyperparameters) Validate() error {
	if err := h.validateGeometry(); err != nil {
		return err
	}
	cells := h.Cells()
	mapping := uint64(len(h.Mapping))
	if cells > mapping {
		return validationErrorf("mapping too small")
	}
	if mapping > h.TargetSize.Pixels() {
		return validationErrorf("mapping larger than image")
	}
	return nil
}

func (h Hyperparameters) validateGeometry() error {
	if h.Hashtables == 0 || h.AddrLength == 0 {
		return validationErrorf("hashtables and address length must be positive")
	}
	if h.Cells() > MaxCells {
		return validationErrorf("sampling range larger than %d cells", MaxCells)
	}
	if h.Cells() > h.TargetSize.Pixels() {
		return validationErrorf("sampling range exceeds image size")
	}
	return nil
}
