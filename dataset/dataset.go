/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package dataset reads folders of images and their segmentation masks, and serves them in batches as a
// train.Dataset.
//
// A mask is paired with the image of the same file name. Images and masks are converted to RGB, resized
// and center-cropped to a square of the configured size, with values in [0, 1].
package dataset

import (
	"fmt"
	"io"
	"math/rand/v2"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pair of an image file and its mask.
type Pair struct {
	Image, Mask string
}

// PairedFolder lists the images that have a mask with the same name.
type PairedFolder struct {
	ImagesDir, MasksDir string
	Pairs               []Pair
}

// NewPairedFolder lists the images in imagesDir (recursively) and pairs them with the file with the same name in
// masksDir. Images without a mask are skipped.
func NewPairedFolder(imagesDir, masksDir string) (*PairedFolder, error) {
	imagePaths, err := ListImages(imagesDir)
	if err != nil {
		return nil, err
	}
	maskPaths, err := ListImages(masksDir)
	if err != nil {
		return nil, err
	}
	masks := make(map[string]string, len(maskPaths))
	for _, path := range maskPaths {
		masks[filepath.Base(path)] = path
	}
	pf := &PairedFolder{ImagesDir: imagesDir, MasksDir: masksDir}
	for _, path := range imagePaths {
		if mask, found := masks[filepath.Base(path)]; found {
			pf.Pairs = append(pf.Pairs, Pair{Image: path, Mask: mask})
		}
	}
	if skipped := len(imagePaths) - len(pf.Pairs); skipped > 0 {
		klog.V(1).Infof("%d images in %q have no mask in %q", skipped, imagesDir, masksDir)
	}
	if len(pf.Pairs) == 0 {
		return nil, errors.Errorf("no image in %q has a mask in %q", imagesDir, masksDir)
	}
	return pf, nil
}

// Len returns the number of pairs.
func (pf *PairedFolder) Len() int { return len(pf.Pairs) }

// Dataset serves batches of a subset of a PairedFolder (or images only, see NewImagesDataset).
//
// Yield returns the inputs `[images, masks]` (masks omitted for images only datasets), each shaped
// `[batch_size, size, size, Channels]`, and the Dataset itself as spec, so one graph serves all batches.
// YieldIndices also returns the index of each example of the batch.
// After the last batch it returns io.EOF, unless it is Infinite, in which case it starts a new epoch
// (reshuffled if Shuffle was set).
//
// It is safe for concurrent use, so it can be wrapped with data.Parallel.
type Dataset struct {
	name      string
	images    []string
	masks     []string
	size      int
	batchSize int

	shuffle, infinite, dropIncomplete bool
	rng                               *rand.Rand

	mu    sync.Mutex
	order []int
	next  int
}

var _ train.Dataset = (*Dataset)(nil)

// New returns a Dataset over the pairs of pf with the given indices (nil for all).
func New(name string, pf *PairedFolder, indices []int, size, batchSize int) *Dataset {
	if indices == nil {
		indices = make([]int, pf.Len())
		for ii := range indices {
			indices[ii] = ii
		}
	}
	ds := &Dataset{name: name, size: size, batchSize: batchSize}
	for _, idx := range indices {
		ds.images = append(ds.images, pf.Pairs[idx].Image)
		ds.masks = append(ds.masks, pf.Pairs[idx].Mask)
	}
	ds.Reset()
	return ds
}

// NewImagesDataset returns a Dataset over the images in dir, without masks.
func NewImagesDataset(name, dir string, size, batchSize int) (*Dataset, error) {
	paths, err := ListImages(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images found in %q", dir)
	}
	ds := &Dataset{name: name, images: paths, size: size, batchSize: batchSize}
	ds.Reset()
	return ds, nil
}

// Shuffle the order of the examples at every epoch, using the given seed.
func (ds *Dataset) Shuffle(seed int64) *Dataset {
	ds.mu.Lock()
	ds.shuffle = true
	ds.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x5eed))
	ds.mu.Unlock()
	ds.Reset()
	return ds
}

// Infinite makes the dataset loop over epochs indefinitely.
func (ds *Dataset) Infinite() *Dataset {
	ds.infinite = true
	return ds
}

// DropIncompleteBatch skips the last batch of an epoch if it is smaller than the batch size.
func (ds *Dataset) DropIncompleteBatch() *Dataset {
	ds.dropIncomplete = true
	return ds
}

// Len returns the number of examples.
func (ds *Dataset) Len() int { return len(ds.images) }

// HasMasks returns whether the dataset yields masks.
func (ds *Dataset) HasMasks() bool { return ds.masks != nil }

// ImagePath returns the path of the image of example idx.
func (ds *Dataset) ImagePath(idx int) string { return ds.images[idx] }

// NumBatches per epoch.
func (ds *Dataset) NumBatches() int {
	if ds.dropIncomplete {
		return len(ds.images) / ds.batchSize
	}
	return (len(ds.images) + ds.batchSize - 1) / ds.batchSize
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.resetLocked()
}

func (ds *Dataset) resetLocked() {
	ds.next = 0
	if ds.order == nil {
		ds.order = make([]int, len(ds.images))
	}
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	if ds.shuffle {
		ds.rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
	}
}

// nextBatch returns the indices of the next batch, or nil at the end of the epoch.
func (ds *Dataset) nextBatch() []int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for range 2 {
		remaining := len(ds.order) - ds.next
		if remaining > 0 && (remaining >= ds.batchSize || !ds.dropIncomplete) {
			n := min(remaining, ds.batchSize)
			indices := append([]int(nil), ds.order[ds.next:ds.next+n]...)
			ds.next += n
			return indices
		}
		if !ds.infinite {
			return nil
		}
		ds.resetLocked()
	}
	return nil
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	_, inputs, err = ds.YieldIndices()
	if err != nil {
		return
	}
	return ds, inputs, nil, nil
}

// YieldIndices is like Yield, but it also returns the indices, in this dataset, of the examples of the batch.
func (ds *Dataset) YieldIndices() (indices []int, inputs []*tensors.Tensor, err error) {
	indices = ds.nextBatch()
	if indices == nil {
		err = io.EOF
		return
	}
	paths := make([]string, len(indices))
	for ii, idx := range indices {
		paths[ii] = ds.images[idx]
	}
	imagesT, err := LoadTensor(paths, ds.size)
	if err != nil {
		err = errors.WithMessagef(err, "dataset %q", ds.name)
		return
	}
	inputs = []*tensors.Tensor{imagesT}
	if ds.masks != nil {
		for ii, idx := range indices {
			paths[ii] = ds.masks[idx]
		}
		var masksT *tensors.Tensor
		masksT, err = LoadTensor(paths, ds.size)
		if err != nil {
			err = errors.WithMessagef(err, "dataset %q", ds.name)
			return
		}
		inputs = append(inputs, masksT)
	}
	return
}

// Parallel wraps ds with a pool of goroutines reading the images in the background, feeding a bounded buffer.
func Parallel(ds *Dataset, workers int) train.Dataset {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return data.CustomParallel(ds).Parallelism(workers).Buffer(workers).Start()
}

func (ds *Dataset) String() string {
	return fmt.Sprintf("%s (%d examples, batch size %d)", ds.name, len(ds.images), ds.batchSize)
}
