package model

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// Network is a WiSARD classifier: one Discriminator per label, a shared rank
// table and a feature mapping. It is safe for concurrent use; Classify, Predict,
// Info, Stats and Save may run in parallel, while Train, ChangeHyperparameters,
// Erase and Load are exclusive.
type Network[T cmp.Ordered] struct {
	mu       sync.RWMutex
	poisoned atomic.Bool

	params Hyperparameters
	discs  map[string]*Discriminator
	ranks  *RankTable
}

// LabelVotes is the result of a single discriminator for one sample.
type LabelVotes struct {
	Label   string `json:"label"`
	Votes   uint64 `json:"votes"`
	Trained uint64 `json:"trained"`
}

// Prediction is the outcome of Predict. Ranking holds every label, best first.
type Prediction struct {
	Label      string
	Votes      uint64
	Score      float64
	Confidence float64
	Ranking    []LabelVotes
}

// Stats summarizes the learned state.
type Stats struct {
	Labels   []LabelVotes
	Patterns int
	NextRank uint64
}

// New returns an empty network with the default hyperparameters and a random mapping.
func New[T cmp.Ordered]() *Network[T] {
	n, err := WithParams[T](DefaultHyperparameters())
	if err != nil {
		panic(fmt.Sprintf("default hyperparameters rejected: %v", err))
	}
	return n
}

// WithParams validates h and returns an empty network using it.
func WithParams[T cmp.Ordered](h Hyperparameters) (*Network[T], error) {
	params, err := h.resolve()
	if err != nil {
		return nil, err
	}
	return &Network[T]{
		params: params,
		discs:  map[string]*Discriminator{},
		ranks:  NewRankTable(),
	}, nil
}

func (n *Network[T]) encoder() Encoder[T] {
	return Encoder[T]{
		Mapping:    n.params.Mapping,
		AddrLength: int(n.params.AddrLength),
		Ranks:      n.ranks,
	}
}

// write runs fn under the exclusive lock. A panic in fn poisons the network.
func (n *Network[T]) write(fn func() error) (err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.poisoned.Load() {
		return ErrPoisoned
	}
	defer n.recoverPoison(&err)
	return fn()
}

// read runs fn under the shared lock.
func (n *Network[T]) read(fn func() error) (err error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.poisoned.Load() {
		return ErrPoisoned
	}
	defer n.recoverPoison(&err)
	return fn()
}

// replace runs fn under the exclusive lock regardless of poisoning and clears
// the poisoned flag when fn succeeds, since fn swaps in a whole new state.
func (n *Network[T]) replace(fn func() error) (err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.recoverPoison(&err)
	if err := fn(); err != nil {
		return err
	}
	n.poisoned.Store(false)
	return nil
}

func (n *Network[T]) recoverPoison(err *error) {
	if r := recover(); r != nil {
		n.poisoned.Store(true)
		*err = fmt.Errorf("%w: %v", ErrPoisoned, r)
	}
}

// Train teaches the discriminator of label to recognize sample. The label's
// discriminator is created on first use. Nothing is modified when the sample
// is too short for the feature mapping.
func (n *Network[T]) Train(sample []T, label string) error {
	return n.write(func() error {
		addresses, err := n.encoder().Train(sample)
		if err != nil {
			return err
		}
		disc, ok := n.discs[label]
		if !ok {
			disc = NewDiscriminator(int(n.params.Hashtables))
			n.discs[label] = disc
		}
		return disc.Train(addresses)
	})
}

// Classify returns the label whose discriminator votes most for sample.
func (n *Network[T]) Classify(sample []T) (string, error) {
	p, err := n.Predict(sample)
	if err != nil {
		return "", err
	}
	return p.Label, nil
}

// Predict classifies sample and reports the score (votes / hashtables) and the
// confidence margin (top - second) / top of the winner. Ties on votes go to
// the lexicographically smallest label.
func (n *Network[T]) Predict(sample []T) (Prediction, error) {
	var p Prediction
	err := n.read(func() error {
		if len(n.discs) == 0 {
			return fmt.Errorf("%w: no trained discriminators", ErrOutOfBounds)
		}
		addresses, err := n.encoder().Classify(sample)
		if err != nil {
			return err
		}
		ranking := make([]LabelVotes, 0, len(n.discs))
		for label, disc := range n.discs {
			votes, trained := disc.Classify(addresses, uint64(n.params.Bleach))
			ranking = append(ranking, LabelVotes{Label: label, Votes: votes, Trained: trained})
		}
		sortRanking(ranking)

		top := ranking[0]
		p = Prediction{
			Label:   top.Label,
			Votes:   top.Votes,
			Score:   float64(top.Votes) / float64(n.params.Hashtables),
			Ranking: ranking,
		}
		if len(ranking) > 1 && top.Votes > 0 {
			p.Confidence = float64(top.Votes-ranking[1].Votes) / float64(top.Votes)
		}
		return nil
	})
	return p, err
}

func sortRanking(ranking []LabelVotes) {
	slices.SortFunc(ranking, func(a, b LabelVotes) int {
		if c := cmp.Compare(b.Votes, a.Votes); c != 0 {
			return c
		}
		return strings.Compare(a.Label, b.Label)
	})
}

// ChangeHyperparameters validates h and, only if it is valid, drops every
// discriminator and rank and installs the new parameters and mapping.
func (n *Network[T]) ChangeHyperparameters(h Hyperparameters) error {
	params, err := h.resolve()
	if err != nil {
		return err
	}
	return n.write(func() error {
		n.reset(params)
		return nil
	})
}

// Erase restores the default hyperparameters with a fresh mapping and forgets
// everything learned. It also clears a poisoned state.
func (n *Network[T]) Erase() {
	params, err := DefaultHyperparameters().resolve()
	if err != nil {
		panic(fmt.Sprintf("default hyperparameters rejected: %v", err))
	}
	_ = n.replace(func() error {
		n.reset(params)
		return nil
	})
}

func (n *Network[T]) reset(params Hyperparameters) {
	n.params = params
	n.discs = map[string]*Discriminator{}
	n.ranks = NewRankTable()
}

// Info returns a copy of the current hyperparameters, mapping included.
func (n *Network[T]) Info() Hyperparameters {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.info()
}

func (n *Network[T]) info() Hyperparameters {
	info := n.params
	info.Mapping = append([]int(nil), n.params.Mapping...)
	return info
}

// TargetSize returns the input geometry the network was configured for.
func (n *Network[T]) TargetSize() Size {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.params.TargetSize
}

// Labels returns the trained labels in lexicographic order.
func (n *Network[T]) Labels() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	labels := make([]string, 0, len(n.discs))
	for label := range n.discs {
		labels = append(labels, label)
	}
	slices.Sort(labels)
	return labels
}

// Stats reports the per-label training counts and the rank table size.
func (n *Network[T]) Stats() Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats()
}

// Describe returns the hyperparameters and the statistics of the same state.
func (n *Network[T]) Describe() (Hyperparameters, Stats) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.info(), n.stats()
}

func (n *Network[T]) stats() Stats {
	s := Stats{
		Labels:   make([]LabelVotes, 0, len(n.discs)),
		Patterns: n.ranks.Len(),
		NextRank: n.ranks.Next(),
	}
	for label, disc := range n.discs {
		s.Labels = append(s.Labels, LabelVotes{Label: label, Trained: disc.Trained()})
	}
	slices.SortFunc(s.Labels, func(a, b LabelVotes) int {
		return strings.Compare(a.Label, b.Label)
	})
	return s
}
