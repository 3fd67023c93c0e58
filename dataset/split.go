package dataset

import (
	"math"
	"math/rand"
	"slices"

	"github.com/pkg/errors"
)

// SplitRatios defines the fraction of the examples that goes to each split.
// They must be non-negative and sum to at most 1. Examples left over are not used.
type SplitRatios struct {
	Train, Validation, Test float64
}

// DefaultSplitRatios is 80% train, 10% validation and 10% test.
var DefaultSplitRatios = SplitRatios{Train: 0.8, Validation: 0.1, Test: 0.1}

const splitEpsilon = 1e-6

// Validate returns an error if the ratios are invalid.
func (r SplitRatios) Validate() error {
	if r.Train < 0 || r.Validation < 0 || r.Test < 0 {
		return errors.Errorf("split ratios must be non-negative, got %+v", r)
	}
	if sum := r.Train + r.Validation + r.Test; sum > 1+splitEpsilon {
		return errors.Errorf("split ratios must sum to at most 1, got %+v (sum=%g)", r, sum)
	}
	return nil
}

// Split shuffles the examples deterministically with seed and splits them into train, validation and test.
//
// The number of train and validation examples are floor(ratio*N); the test split takes floor(Test*N) of
// the remaining examples, or all of them if the ratios sum to 1. The splits are disjoint.
//
// It is an error if a split with a positive ratio ends up empty.
//
// The input slice is not modified.
func Split(examples []Example, ratios SplitRatios, seed int64) (trainSplit, validationSplit, testSplit []Example, err error) {
	if err = ratios.Validate(); err != nil {
		return
	}
	n := len(examples)
	if n == 0 {
		err = errors.New("cannot split an empty list of examples")
		return
	}
	shuffled := slices.Clone(examples)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(n, func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	nTrain := int(math.Floor(ratios.Train * float64(n)))
	nValidation := int(math.Floor(ratios.Validation * float64(n)))
	if nTrain+nValidation > n {
		nValidation = n - nTrain
	}
	rest := n - nTrain - nValidation
	nTest := int(math.Floor(ratios.Test * float64(n)))
	if math.Abs(ratios.Train+ratios.Validation+ratios.Test-1) <= splitEpsilon || nTest > rest {
		nTest = rest
	}
	for _, split := range []struct {
		name  string
		ratio float64
		size  int
	}{{"train", ratios.Train, nTrain}, {"validation", ratios.Validation, nValidation}, {"test", ratios.Test, nTest}} {
		if split.ratio > 0 && split.size == 0 {
			err = errors.Errorf("%d examples are too few for the split ratios %+v: the %s split would be empty",
				n, ratios, split.name)
			return
		}
	}
	trainSplit = shuffled[:nTrain]
	validationSplit = shuffled[nTrain : nTrain+nValidation]
	testSplit = shuffled[nTrain+nValidation : nTrain+nValidation+nTest]
	return
}
