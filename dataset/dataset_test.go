package dataset

import (
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeImage writes a uniform gray image.
func writeImage(t *testing.T, path string, width, height int, gray uint8) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	img := imaging.New(width, height, color.NRGBA{R: gray, G: gray, B: gray, A: 255})
	require.NoError(t, imaging.Save(img, path))
}

// buildFolders creates n images and masks, plus one image without mask.
func buildFolders(t *testing.T, n int) (imagesDir, masksDir string) {
	root := t.TempDir()
	imagesDir, masksDir = filepath.Join(root, "images"), filepath.Join(root, "masks")
	for ii := range n {
		name := string(rune('a'+ii)) + ".png"
		writeImage(t, filepath.Join(imagesDir, name), 12, 8, 128)
		writeImage(t, filepath.Join(masksDir, name), 12, 8, 255)
	}
	writeImage(t, filepath.Join(imagesDir, "orphan.png"), 8, 8, 0)
	require.NoError(t, os.WriteFile(filepath.Join(imagesDir, "notes.txt"), []byte("not an image"), 0o644))
	return
}

func TestPairedFolder(t *testing.T) {
	imagesDir, masksDir := buildFolders(t, 3)
	pf, err := NewPairedFolder(imagesDir, masksDir)
	require.NoError(t, err)
	require.Equal(t, 3, pf.Len())
	assert.Equal(t, filepath.Join(imagesDir, "a.png"), pf.Pairs[0].Image)
	assert.Equal(t, filepath.Join(masksDir, "a.png"), pf.Pairs[0].Mask)

	_, err = NewPairedFolder(masksDir, t.TempDir())
	require.Error(t, err)
}

func TestDatasetYield(t *testing.T) {
	imagesDir, masksDir := buildFolders(t, 5)
	pf, err := NewPairedFolder(imagesDir, masksDir)
	require.NoError(t, err)
	ds := New("test", pf, []int{0, 2, 4}, 4, 2)
	assert.Equal(t, 2, ds.NumBatches())

	spec, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Same(t, ds, spec, "spec must be the same for every batch")
	require.Len(t, inputs, 2)
	assert.Equal(t, []int{2, 4, 4, Channels}, inputs[0].Shape().Dimensions)
	imageValues := tensors.CopyFlatData[float32](inputs[0])
	maskValues := tensors.CopyFlatData[float32](inputs[1])
	assert.InDelta(t, 128.0/255.0, imageValues[0], 1e-2)
	assert.InDelta(t, 1.0, maskValues[0], 1e-6)

	indices, inputs, err := ds.YieldIndices()
	require.NoError(t, err)
	assert.Equal(t, []int{2}, indices)
	assert.Equal(t, 1, inputs[0].Shape().Dimensions[0], "last batch is incomplete")
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	ds.Reset()
	indices, _, err = ds.YieldIndices()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, indices)

	// Infinite dataset dropping incomplete batches: always full batches.
	ds = New("infinite", pf, nil, 4, 2).Shuffle(42).Infinite().DropIncompleteBatch()
	seen := make(map[int]int)
	for range 10 {
		indices, inputs, err = ds.YieldIndices()
		require.NoError(t, err)
		assert.Equal(t, 2, inputs[0].Shape().Dimensions[0])
		for _, idx := range indices {
			seen[idx]++
		}
	}
	assert.Len(t, seen, 5)
}

func TestShuffleIsDeterministic(t *testing.T) {
	imagesDir, masksDir := buildFolders(t, 6)
	pf, err := NewPairedFolder(imagesDir, masksDir)
	require.NoError(t, err)
	order := func() []int {
		ds := New("shuffled", pf, nil, 4, 6).Shuffle(7)
		indices, _, err := ds.YieldIndices()
		require.NoError(t, err)
		return indices
	}
	assert.Equal(t, order(), order())
}

func TestImagesDatasetAndSave(t *testing.T) {
	imagesDir, _ := buildFolders(t, 2)
	ds, err := NewImagesDataset("infer", imagesDir, 4, 8)
	require.NoError(t, err)
	assert.False(t, ds.HasMasks())
	indices, inputs, err := ds.YieldIndices()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Len(t, indices, 3)

	outDir := t.TempDir()
	paths := []string{
		filepath.Join(outDir, "x", "0.png"),
		filepath.Join(outDir, "x", "1.png"),
		filepath.Join(outDir, "y", "2.png"),
	}
	require.NoError(t, SaveImages(inputs[0], paths))
	img, err := imaging.Open(paths[2])
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), img.Bounds())

	faulty, err := FindNaNs(paths, false)
	require.NoError(t, err)
	assert.Empty(t, faulty)

	require.Error(t, SaveImages(inputs[0], paths[:1]))
}

func TestLoadImageCropsCenter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wide.png")
	writeImage(t, path, 20, 10, 50)
	img, err := LoadImage(path, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, img.Bounds().Dx())
	assert.Equal(t, 5, img.Bounds().Dy())
	_, err = LoadImage(filepath.Join(t.TempDir(), "missing.png"), 5)
	require.Error(t, err)
}
