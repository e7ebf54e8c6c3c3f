package predict_test

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/tl-classifier/internal/backbone/backbonetest"
	"github.com/Brownie44l1/tl-classifier/internal/checkpoint"
	"github.com/Brownie44l1/tl-classifier/internal/dataset"
	"github.com/Brownie44l1/tl-classifier/internal/model"
	"github.com/Brownie44l1/tl-classifier/internal/predict"
	"github.com/Brownie44l1/tl-classifier/internal/preprocess"
	"github.com/Brownie44l1/tl-classifier/internal/train"
)

func writePNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	img := image.NewRGBA(image.Rect(0, 0, 224, 224))
	for y := 0; y < 224; y++ {
		for x := 0; x < 224; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func sixClasses(t *testing.T) *model.LabelMap {
	t.Helper()
	l, err := model.LabelMapFromNames([]string{"a", "b", "c", "d", "e", "f"})
	require.NoError(t, err)
	return l
}

func TestTopK(t *testing.T) {
	labels := sixClasses(t)
	probs := []float32{0.05, 0.3, 0.1, 0.25, 0.2, 0.1}

	r := predict.TopK(probs, labels, 5)
	assert.Equal(t, []string{"b", "d", "e", "c", "f"}, r.Labels)
	assert.Equal(t, []float32{0.3, 0.25, 0.2, 0.1, 0.1}, r.Probs)
	assert.True(t, sort.SliceIsSorted(r.Probs, func(i, j int) bool { return r.Probs[i] > r.Probs[j] }))

	assert.Len(t, predict.TopK(probs, labels, 0).Labels, predict.DefaultK)
	assert.Len(t, predict.TopK(probs, labels, 100).Labels, 6)
	assert.Equal(t, []string{"b"}, predict.TopK(probs, labels, 1).Labels)
}

func TestPredictErrors(t *testing.T) {
	fake := backbonetest.New()
	m, _, _, err := model.Create(context.Background(), "densenet121",
		map[string]int{"red": 0, "blue": 1}, model.WithExtractor(fake))
	require.NoError(t, err)
	defer m.Close()

	_, err = predict.Predict(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"), m, 1)
	require.ErrorIs(t, err, os.ErrNotExist)

	garbage := filepath.Join(t.TempDir(), "garbage.jpg")
	require.NoError(t, os.WriteFile(garbage, []byte("not a jpeg"), 0o644))
	_, err = predict.Predict(context.Background(), garbage, m, 1)
	require.Error(t, err)

	_, err = predict.Pixels(context.Background(), make([]float32, 10), m, 1)
	require.Error(t, err)
	assert.Equal(t, 0, fake.Calls)
}

// TestTrainSaveLoadPredict runs the whole flow on ten synthetic images: five
// red, five blue, an 8/2 split.
func TestTrainSaveLoadPredict(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		writePNG(t, filepath.Join(root, "red", fmt.Sprintf("%d.png", i)), color.RGBA{R: 255, A: 255})
		writePNG(t, filepath.Join(root, "blue", fmt.Sprintf("%d.png", i)), color.RGBA{B: 255, A: 255})
	}

	folder, err := dataset.Open(root)
	require.NoError(t, err)
	trainSet, validSet := folder.Split(0.2, 1)
	require.Equal(t, 8, trainSet.Len())
	require.Equal(t, 2, validSet.Len())

	m, opt, crit, err := model.Create(ctx, "densenet121", folder.ClassToIdx, model.WithExtractor(backbonetest.New()))
	require.NoError(t, err)
	defer m.Close()

	pipe := preprocess.Default()
	cfg := dataset.LoaderConfig{BatchSize: 4, Shuffle: true, Seed: 3, CacheSize: 10}
	trainLoader := dataset.NewLoader(trainSet, pipe, cfg)
	validLoader := dataset.NewLoader(validSet, pipe, dataset.LoaderConfig{BatchSize: 2, CacheSize: 2})

	reports, err := train.Train(ctx, train.Config{Epochs: 20, PrintEvery: 10}, m, crit, opt, trainLoader, validLoader)
	require.NoError(t, err)
	require.Len(t, reports, 4)

	_, acc, err := train.Validate(ctx, m, crit, validLoader)
	require.NoError(t, err)
	assert.Equal(t, float32(1), acc)

	path := filepath.Join(t.TempDir(), "checkpoint.pb")
	require.NoError(t, checkpoint.Save(path, m, opt, 20))

	restored, err := checkpoint.Load(ctx, path,
		checkpoint.ExpectArch("densenet121"),
		checkpoint.ModelOptions(model.WithExtractor(backbonetest.New())))
	require.NoError(t, err)
	defer restored.Model.Close()
	assert.Equal(t, 20, restored.Epochs)

	for _, s := range validSet.Samples {
		want := folder.Classes[s.Label]

		got, err := predict.Predict(ctx, s.Path, restored.Model, 1)
		require.NoError(t, err)
		require.Len(t, got.Labels, 1)
		assert.Equal(t, want, got.Labels[0])
		assert.Greater(t, got.Probs[0], float32(0.5))

		orig, err := predict.Predict(ctx, s.Path, m, 2)
		require.NoError(t, err)
		again, err := predict.Predict(ctx, s.Path, restored.Model, 2)
		require.NoError(t, err)
		assert.Equal(t, orig, again)
	}
}
