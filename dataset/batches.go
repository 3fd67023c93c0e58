package dataset

import (
	"image"
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Dataset implements train.Dataset over a list of examples, so it can be used by a train.Loop object to
// train/evaluate, and offers a few more functionality for sampling images (as opposed to tensors).
//
// Each Yield reads the images of the batch, resizes them to imageSize x imageSize, optionally augments
// them, and converts them to a tensor shaped [batchSize, imageSize, imageSize, 3] with values rescaled to
// [0, 1]. Labels are shaped [batchSize, 1], with the same dtype as the images.
//
// It is safe to call Yield concurrently, which is what datasets.CustomParallel does.
type Dataset struct {
	name     string
	examples []Example

	// Image transformation.
	imageSize  int
	resizeMode ResizeMode
	augmenter  *Augmenter
	dtype      dtypes.DType
	toTensor   *timage.ToTensorConfig

	// Sampling strategy.
	batchSize           int
	infinite            bool
	dropIncompleteBatch bool

	// muOrder protects order, position and shuffle.
	muOrder  sync.Mutex
	order    []int
	position int
	shuffle  *rand.Rand
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a finite, not shuffled and not augmented Dataset over examples.
// Use the With* methods to configure it further.
func NewDataset(name string, examples []Example, batchSize, imageSize int, dtype dtypes.DType) *Dataset {
	ds := &Dataset{
		name:       name,
		examples:   examples,
		imageSize:  imageSize,
		resizeMode: ResizeStretch,
		dtype:      dtype,
		toTensor:   timage.ToTensor(dtype),
		batchSize:  batchSize,
	}
	ds.Reset()
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Infinite configures the dataset to loop over the examples indefinitely. If a shuffle is configured,
// the examples are reshuffled at every epoch.
func (ds *Dataset) Infinite(infinite bool) *Dataset {
	ds.infinite = infinite
	return ds
}

// Shuffle configures the dataset to shuffle the examples using rng. If rng is nil, examples are
// yielded in order.
func (ds *Dataset) Shuffle(rng *rand.Rand) *Dataset {
	ds.shuffle = rng
	ds.Reset()
	return ds
}

// WithAugmenter sets the augmentation applied to every image after resizing. Nil disables it.
func (ds *Dataset) WithAugmenter(augmenter *Augmenter) *Dataset {
	ds.augmenter = augmenter
	return ds
}

// WithResizeMode sets how images are fit into imageSize x imageSize. Default is ResizeStretch.
func (ds *Dataset) WithResizeMode(mode ResizeMode) *Dataset {
	ds.resizeMode = mode
	return ds
}

// DropIncompleteBatch configures a finite dataset to drop the last batch if it has fewer than batchSize
// examples.
func (ds *Dataset) DropIncompleteBatch(drop bool) *Dataset {
	ds.dropIncompleteBatch = drop
	return ds
}

// NumExamples returns the number of examples in one epoch.
func (ds *Dataset) NumExamples() int { return len(ds.examples) }

// Reset implements train.Dataset. It restarts the Dataset from the beginning, and reshuffles it if
// a shuffle is configured.
func (ds *Dataset) Reset() {
	ds.muOrder.Lock()
	defer ds.muOrder.Unlock()
	ds.resetLocked()
}

func (ds *Dataset) resetLocked() {
	ds.position = 0
	if len(ds.order) != len(ds.examples) {
		ds.order = make([]int, len(ds.examples))
		for ii := range ds.order {
			ds.order[ii] = ii
		}
	}
	if ds.shuffle != nil {
		ds.shuffle.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// nextBatch selects the examples of the next batch. Reading and transforming the images
// happens in YieldImages, outside the lock.
func (ds *Dataset) nextBatch() ([]Example, error) {
	ds.muOrder.Lock()
	defer ds.muOrder.Unlock()
	if len(ds.examples) == 0 {
		return nil, errors.Errorf("dataset %q has no examples", ds.name)
	}
	if ds.batchSize <= 0 {
		return nil, errors.Errorf("dataset %q has invalid batch size %d", ds.name, ds.batchSize)
	}
	batch := make([]Example, 0, ds.batchSize)
	for len(batch) < ds.batchSize {
		if ds.position >= len(ds.order) {
			if !ds.infinite {
				break
			}
			ds.resetLocked()
		}
		batch = append(batch, ds.examples[ds.order[ds.position]])
		ds.position++
	}
	if len(batch) == 0 || (ds.dropIncompleteBatch && len(batch) < ds.batchSize) {
		return nil, io.EOF
	}
	return batch, nil
}

// YieldImages yields a batch of images and their labels. These are the raw images (resized and
// augmented) that can be used for displaying. See Yield to get tensors that can be used for training.
func (ds *Dataset) YieldImages() (images []image.Image, labels []Label, err error) {
	batch, err := ds.nextBatch()
	if err != nil {
		return
	}
	images = make([]image.Image, len(batch))
	labels = make([]Label, len(batch))
	for ii, ex := range batch {
		var img image.Image
		img, err = GetImageFromFilePath(ex.Path)
		if err != nil {
			err = errors.Wrapf(err, "while reading image %q", ex.Path)
			return nil, nil, err
		}
		img = Resize(img, ds.imageSize, ds.resizeMode)
		img = ds.augmenter.Augment(img)
		images[ii] = img
		labels[ii] = ex.Label
	}
	return
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the Dataset itself.
//   - inputs: the images batch, shaped [batch_size, image_size, image_size, 3], values from 0 to 1.
//   - labels: the labels (0 for Parasitized, 1 for Uninfected), shaped [batch_size, 1].
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec = ds
	var images []image.Image
	var imageLabels []Label
	images, imageLabels, err = ds.YieldImages()
	if err != nil {
		return
	}
	var labelsT *tensors.Tensor
	labelsT, err = LabelsToTensor(imageLabels, ds.dtype)
	if err != nil {
		return
	}
	inputs = []*tensors.Tensor{ds.toTensor.Batch(images)}
	labels = []*tensors.Tensor{labelsT}
	return
}

// LabelsToTensor converts the labels to a tensor shaped [len(labels), 1] of the given float dtype.
func LabelsToTensor(labels []Label, dtype dtypes.DType) (*tensors.Tensor, error) {
	switch dtype {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(castLabels[float32](labels), len(labels), 1), nil
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(castLabels[float64](labels), len(labels), 1), nil
	}
	return nil, errors.Errorf("labels dtype %s not supported, use Float32 or Float64", dtype)
}

func castLabels[T float32 | float64](labels []Label) []T {
	values := make([]T, len(labels))
	for ii, l := range labels {
		values[ii] = T(l)
	}
	return values
}
