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

package dataset

import (
	"image"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Channels of the images and masks: they are always converted to RGB.
const Channels = 3

// Extensions of the image files that are listed in folders.
var Extensions = []string{".jpg", ".jpeg", ".png", ".tiff", ".tif"}

func isImageFile(path string) bool {
	return slices.Contains(Extensions, strings.ToLower(filepath.Ext(path)))
}

// ListImages returns the image files under dir (recursively), sorted.
func ListImages(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() && isImageFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images in %q", dir)
	}
	slices.Sort(paths)
	return paths, nil
}

// LoadImage reads an image, resizes its shorter side to size and crops its center to size x size.
func LoadImage(path string, size int) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %q", path)
	}
	return imaging.Fill(img, size, size, imaging.Center, imaging.Linear), nil
}

// LoadTensor reads the images in paths, resized to size, into a float32 tensor shaped
// `[len(paths), size, size, Channels]` with values in [0, 1].
func LoadTensor(paths []string, size int) (*tensors.Tensor, error) {
	imgs := make([]image.Image, len(paths))
	for ii, path := range paths {
		img, err := LoadImage(path, size)
		if err != nil {
			return nil, err
		}
		imgs[ii] = img
	}
	return images.ToTensor(dtypes.Float32).Batch(imgs), nil
}

// SaveImages writes each image of the batch t, shaped `[batch_size, height, width, Channels]` with values in
// [0, 1], to the corresponding path. Parent directories are created as needed.
func SaveImages(t *tensors.Tensor, paths []string) error {
	imgs := images.ToImage().MaxValue(1.0).Batch(t)
	if len(imgs) != len(paths) {
		return errors.Errorf("SaveImages got %d images and %d paths", len(imgs), len(paths))
	}
	for ii, img := range imgs {
		if err := os.MkdirAll(filepath.Dir(paths[ii]), 0o755); err != nil {
			return errors.Wrapf(err, "failed to create directory for %q", paths[ii])
		}
		if err := imaging.Save(img, paths[ii]); err != nil {
			return errors.Wrapf(err, "failed to save image %q", paths[ii])
		}
	}
	return nil
}

// FindNaNs reads every image in paths and returns the ones with NaN values once converted to float.
// It shows a progress bar on the console if showProgress.
func FindNaNs(paths []string, showProgress bool) (faulty []string, err error) {
	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.Default(int64(len(paths)), "checking images")
		defer func() { _ = bar.Finish() }()
	}
	for _, path := range paths {
		img, err := imaging.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read image %q", path)
		}
		t := images.ToTensor(dtypes.Float32).Batch([]image.Image{img})
		values := tensors.CopyFlatData[float32](t)
		if slices.ContainsFunc(values, func(v float32) bool { return math.IsNaN(float64(v)) }) {
			klog.Warningf("Faulty image at %s", path)
			faulty = append(faulty, path)
		}
		t.FinalizeAll()
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	return faulty, nil
}
