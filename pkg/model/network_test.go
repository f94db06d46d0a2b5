package model

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// tinyParams builds a 2x2 network with two hashtables reading the sample as is.
func tinyParams() Hyperparameters {
	return Hyperparameters{
		Hashtables: 2,
		AddrLength: 2,
		TargetSize: Size{Width: 2, Height: 2},
		Mapping:    []int{0, 1, 2, 3},
	}
}

func newTiny(t *testing.T) *Network[int] {
	n, err := WithParams[int](tinyParams())
	require.NoError(t, err)
	return n
}

func TestNewUsesDefaults(t *testing.T) {
	n := New[float64]()
	info := n.Info()
	require.Equal(t, uint16(DefaultHashtables), info.Hashtables)
	require.Equal(t, uint16(DefaultAddrLength), info.AddrLength)
	require.Equal(t, uint16(DefaultBleach), info.Bleach)
	require.Equal(t, Size{Width: 28, Height: 28}, info.TargetSize)
	require.Len(t, info.Mapping, DefaultHashtables*DefaultAddrLength)
	require.ElementsMatch(t, identity(DefaultHashtables*DefaultAddrLength), info.Mapping)
	require.Empty(t, n.Labels())
}

func TestHyperparameterValidation(t *testing.T) {
	tests := []struct {
		name   string
		params Hyperparameters
		reason string
	}{
		{
			name:   "sampling range too large",
			params: Hyperparameters{Hashtables: 10, AddrLength: 10, TargetSize: Size{Width: 5, Height: 5}},
			reason: "sampling range exceeds image size",
		},
		{
			name:   "zero hashtables",
			params: Hyperparameters{Hashtables: 0, AddrLength: 4},
			reason: "hashtables and address length must be positive",
		},
		{
			name:   "zero address length",
			params: Hyperparameters{Hashtables: 4, AddrLength: 0},
			reason: "hashtables and address length must be positive",
		},
		{
			name: "mapping too small",
			params: Hyperparameters{
				Hashtables: 2, AddrLength: 2, TargetSize: Size{Width: 2, Height: 2}, Mapping: []int{0, 1, 2},
			},
			reason: "mapping too small",
		},
		{
			name: "mapping larger than image",
			params: Hyperparameters{
				Hashtables: 1, AddrLength: 2, TargetSize: Size{Width: 2, Height: 2}, Mapping: []int{0, 1, 2, 3, 0},
			},
			reason: "mapping larger than image",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := WithParams[int](tt.params)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			require.Equal(t, tt.reason, verr.Reason)
		})
	}
}

func TestChangeHyperparametersRejectsWithoutSideEffects(t *testing.T) {
	n := newTiny(t)
	require.NoError(t, n.Train([]int{1, 2, 3, 4}, "up"))
	before := n.Info()

	err := n.ChangeHyperparameters(Hyperparameters{
		Hashtables: 10, AddrLength: 10, TargetSize: Size{Width: 5, Height: 5},
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	require.Equal(t, before, n.Info())
	require.Equal(t, []string{"up"}, n.Labels())
	label, err := n.Classify([]int{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, "up", label)
}

func TestChangeHyperparametersResetsState(t *testing.T) {
	n := newTiny(t)
	require.NoError(t, n.Train([]int{1, 2, 3, 4}, "up"))

	params := tinyParams()
	params.Mapping = []int{3, 2, 1, 0}
	params.Bleach = 3
	require.NoError(t, n.ChangeHyperparameters(params))

	info := n.Info()
	require.Equal(t, []int{3, 2, 1, 0}, info.Mapping)
	require.Equal(t, uint16(3), info.Bleach)
	require.Empty(t, n.Labels())
	require.Equal(t, 0, n.Stats().Patterns)
}

func TestChangeHyperparametersGeneratesMapping(t *testing.T) {
	n := New[int]()
	require.NoError(t, n.ChangeHyperparameters(Hyperparameters{
		Hashtables: 3, AddrLength: 4, TargetSize: Size{Width: 4, Height: 4},
	}))
	info := n.Info()
	require.Len(t, info.Mapping, 12)
	require.ElementsMatch(t, identity(12), info.Mapping)
}

func TestInfoReturnsCopy(t *testing.T) {
	n := newTiny(t)
	info := n.Info()
	info.Mapping[0] = 99
	require.Equal(t, []int{0, 1, 2, 3}, n.Info().Mapping)
}

func TestTrainAndPredict(t *testing.T) {
	n := newTiny(t)
	require.NoError(t, n.Train([]int{1, 2, 3, 4}, "up"))
	require.NoError(t, n.Train([]int{4, 3, 2, 1}, "down"))

	p, err := n.Predict([]int{10, 20, 30, 40})
	require.NoError(t, err)
	require.Equal(t, "up", p.Label)
	require.Equal(t, uint64(2), p.Votes)
	require.Equal(t, 1.0, p.Score)
	require.Equal(t, 1.0, p.Confidence)
	require.Equal(t, []LabelVotes{
		{Label: "up", Votes: 2, Trained: 1},
		{Label: "down", Votes: 0, Trained: 1},
	}, p.Ranking)

	// one ascending window and one descending window
	p, err = n.Predict([]int{1, 2, 4, 3})
	require.NoError(t, err)
	require.Equal(t, "down", p.Label)
	require.Equal(t, uint64(1), p.Votes)
	require.Equal(t, 0.5, p.Score)
	require.Equal(t, 0.0, p.Confidence)
}

func TestPredictTieGoesToSmallestLabel(t *testing.T) {
	n := newTiny(t)
	require.NoError(t, n.Train([]int{1, 2, 3, 4}, "b"))
	require.NoError(t, n.Train([]int{1, 2, 3, 4}, "a"))
	require.NoError(t, n.Train([]int{1, 2, 3, 4}, "c"))

	for i := 0; i < 10; i++ {
		label, err := n.Classify([]int{1, 2, 3, 4})
		require.NoError(t, err)
		require.Equal(t, "a", label)
	}
}

func TestPredictUnknownPatternsDoNotVote(t *testing.T) {
	n := newTiny(t)
	require.NoError(t, n.Train([]int{1, 2, 3, 4}, "up"))
	require.Equal(t, 1, n.Stats().Patterns)

	p, err := n.Predict([]int{4, 3, 2, 1})
	require.NoError(t, err)
	require.Equal(t, "up", p.Label)
	require.Equal(t, uint64(0), p.Votes)
	require.Equal(t, 0.0, p.Score)
	require.Equal(t, 0.0, p.Confidence)
	require.Equal(t, 1, n.Stats().Patterns)
}

func TestBleach(t *testing.T) {
	params := tinyParams()
	params.Bleach = 1
	n, err := WithParams[int](params)
	require.NoError(t, err)

	require.NoError(t, n.Train([]int{1, 2, 3, 4}, "up"))
	require.NoError(t, n.Train([]int{4, 3, 2, 1}, "down"))
	require.NoError(t, n.Train([]int{4, 3, 2, 1}, "down"))

	p, err := n.Predict([]int{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, uint64(0), p.Votes)

	p, err = n.Predict([]int{4, 3, 2, 1})
	require.NoError(t, err)
	require.Equal(t, "down", p.Label)
	require.Equal(t, uint64(2), p.Votes)
}

func TestPredictWithoutDiscriminators(t *testing.T) {
	n := newTiny(t)
	_, err := n.Predict([]int{1, 2, 3, 4})
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestShortSampleLeavesNetworkUntouched(t *testing.T) {
	n := newTiny(t)
	err := n.Train([]int{1, 2}, "up")
	require.ErrorIs(t, err, ErrOutOfBounds)
	require.Empty(t, n.Labels())
	require.Equal(t, 0, n.Stats().Patterns)

	require.NoError(t, n.Train([]int{1, 2, 3, 4}, "up"))
	_, err = n.Classify([]int{1, 2, 3})
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestStats(t *testing.T) {
	n := newTiny(t)
	require.NoError(t, n.Train([]int{1, 2, 3, 4}, "up"))
	require.NoError(t, n.Train([]int{1, 2, 3, 4}, "up"))
	require.NoError(t, n.Train([]int{4, 3, 2, 1}, "down"))

	s := n.Stats()
	require.Equal(t, []LabelVotes{
		{Label: "down", Trained: 1},
		{Label: "up", Trained: 2},
	}, s.Labels)
	require.Equal(t, 2, s.Patterns)
	require.Equal(t, uint64(2), s.NextRank)
}

func TestDescribeReadsOneState(t *testing.T) {
	up := newTiny(t)
	require.NoError(t, up.Train([]int{1, 2, 3, 4}, "up"))
	upBlob, err := up.Save()
	require.NoError(t, err)

	down, err := WithParams[int](Hyperparameters{
		Hashtables: 1,
		AddrLength: 4,
		TargetSize: Size{Width: 2, Height: 2},
		Mapping:    []int{0, 1, 2, 3},
	})
	require.NoError(t, err)
	require.NoError(t, down.Train([]int{4, 3, 2, 1}, "down"))
	downBlob, err := down.Save()
	require.NoError(t, err)

	n := newTiny(t)
	require.NoError(t, n.Load(upBlob))

	var loadErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200 && loadErr == nil; i++ {
			blob := upBlob
			if i%2 == 0 {
				blob = downBlob
			}
			loadErr = n.Load(blob)
		}
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		info, stats := n.Describe()
		require.Len(t, stats.Labels, 1)
		if info.Hashtables == 2 {
			require.Equal(t, "up", stats.Labels[0].Label)
		} else {
			require.Equal(t, "down", stats.Labels[0].Label)
		}
	}
	require.NoError(t, loadErr)
}

func TestEraseRestartsRanks(t *testing.T) {
	params := Hyperparameters{
		Hashtables: 8,
		AddrLength: 8,
		TargetSize: Size{Width: 28, Height: 28},
		Mapping:    identity(len(referenceSample)),
	}
	n, err := WithParams[int](params)
	require.NoError(t, err)
	require.NoError(t, n.Train(referenceSample, "sample"))
	require.Equal(t, 9, n.Stats().Patterns)

	n.Erase()
	info := n.Info()
	require.Equal(t, uint16(DefaultHashtables), info.Hashtables)
	require.Len(t, info.Mapping, DefaultHashtables*DefaultAddrLength)
	require.Empty(t, n.Labels())
	require.Equal(t, 0, n.Stats().Patterns)

	require.NoError(t, n.ChangeHyperparameters(params))
	require.NoError(t, n.Train(referenceSample, "sample"))
	addresses, err := n.encoder().Classify(referenceSample)
	require.NoError(t, err)
	require.Equal(t, uint64(0), addresses[0])
	require.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8}, addresses)
}

func TestPoisonedNetwork(t *testing.T) {
	n := newTiny(t)
	require.NoError(t, n.Train([]int{1, 2, 3, 4}, "up"))

	err := n.write(func() error { panic("boom") })
	require.ErrorIs(t, err, ErrPoisoned)

	require.ErrorIs(t, n.Train([]int{1, 2, 3, 4}, "up"), ErrPoisoned)
	_, err = n.Classify([]int{1, 2, 3, 4})
	require.ErrorIs(t, err, ErrPoisoned)
	_, err = n.Save()
	require.ErrorIs(t, err, ErrPoisoned)
	require.ErrorIs(t, n.ChangeHyperparameters(tinyParams()), ErrPoisoned)

	n.Erase()
	require.NoError(t, n.ChangeHyperparameters(tinyParams()))
	require.NoError(t, n.Train([]int{1, 2, 3, 4}, "up"))
	label, err := n.Classify([]int{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, "up", label)
}

func randomSample(r *rand.Rand, size int) []int {
	s := make([]int, size)
	for i := range s {
		s[i] = r.Intn(256)
	}
	return s
}

func TestConcurrentClassifyAndTrain(t *testing.T) {
	params := Hyperparameters{
		Hashtables: 4,
		AddrLength: 4,
		TargetSize: Size{Width: 4, Height: 4},
	}
	n, err := WithParams[int](params)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(7))
	samples := make([][]int, 20)
	for i := range samples {
		samples[i] = randomSample(r, 16)
		require.NoError(t, n.Train(samples[i], fmt.Sprintf("l%d", i%3)))
	}

	expected := make([]string, len(samples))
	for i, s := range samples {
		expected[i], err = n.Classify(s)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make([][]string, 8)
	for g := range results {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			out := make([]string, len(samples))
			for i, s := range samples {
				label, err := n.Classify(s)
				if err != nil {
					return
				}
				out[i] = label
			}
			results[g] = out
		}(g)
	}
	wg.Wait()
	for _, out := range results {
		require.Equal(t, expected, out)
	}

	errs := make(chan error, 200)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, s := range samples {
				if _, err := n.Classify(s); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		local := rand.New(rand.NewSource(11))
		for i := 0; i < 50; i++ {
			if err := n.Train(randomSample(local, 16), "extra"); err != nil {
				errs <- err
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, uint64(50), n.Stats().Labels[0].Trained)
}
