// Package train runs the fine-tuning loop and the validation pass.
package train

import (
	"context"
	"errors"
	"fmt"

	"github.com/born-ml/born/tensor"
	"k8s.io/klog/v2"

	"github.com/Brownie44l1/tl-classifier/internal/model"
)

// ErrEmptyDataset is returned by Validate when the set has no examples.
var ErrEmptyDataset = errors.New("empty dataset")

// Batch is N preprocessed images (CHW, concatenated) and their label indices.
type Batch struct {
	Pixels []float32
	Labels []int32
}

func (b Batch) Len() int { return len(b.Labels) }

// Dataset yields batches by position.
type Dataset interface {
	NumBatches() int
	Batch(ctx context.Context, i int) (Batch, error)
}

// Shuffler is implemented by datasets that reorder their examples between
// epochs.
type Shuffler interface {
	Shuffle(epoch int)
}

// Optimizer is the part of an optimizer the loop drives.
type Optimizer interface {
	ZeroGrad()
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor) error
}

// Config controls a training run.
type Config struct {
	Epochs int
	// PrintEvery is the number of steps between validation reports.
	PrintEvery int
	// StartEpoch offsets the epoch numbers in reports and callbacks, so a
	// resumed run continues counting where the checkpoint left off.
	StartEpoch int
	// AfterEpoch is called with the number of completed epochs (including
	// StartEpoch). Returning an error stops training.
	AfterEpoch func(ctx context.Context, epochs int) error
}

const DefaultPrintEvery = 40

// Report is one periodic progress line.
type Report struct {
	Epoch         int // 1-based, including StartEpoch
	Epochs        int // StartEpoch + Config.Epochs
	Step          int
	TrainLoss     float32
	ValidLoss     float32
	ValidAccuracy float32
}

// Train fine-tunes m for cfg.Epochs passes over trainSet. Every PrintEvery
// steps it validates on validSet, logs a progress line and resets the running
// loss.
func Train(ctx context.Context, cfg Config, m *model.Model, criterion *model.NLLLoss, opt Optimizer, trainSet, validSet Dataset) ([]Report, error) {
	printEvery := cfg.PrintEvery
	if printEvery <= 0 {
		printEvery = DefaultPrintEvery
	}
	total := cfg.StartEpoch + cfg.Epochs

	var (
		reports     []Report
		steps       int
		runningLoss float32
	)

	for e := 0; e < cfg.Epochs; e++ {
		epoch := cfg.StartEpoch + e + 1
		if s, ok := trainSet.(Shuffler); ok {
			s.Shuffle(epoch)
		}

		for i := 0; i < trainSet.NumBatches(); i++ {
			if err := ctx.Err(); err != nil {
				return reports, err
			}

			batch, err := trainSet.Batch(ctx, i)
			if err != nil {
				return reports, fmt.Errorf("failed to load training batch %d: %w", i, err)
			}
			if batch.Len() == 0 {
				continue
			}
			steps++

			loss, err := step(ctx, m, criterion, opt, batch)
			if err != nil {
				return reports, fmt.Errorf("epoch %d step %d: %w", epoch, steps, err)
			}
			runningLoss += loss

			if steps%printEvery == 0 {
				validLoss, accuracy, err := Validate(ctx, m, criterion, validSet)
				if err != nil {
					return reports, fmt.Errorf("validation at step %d: %w", steps, err)
				}

				r := Report{
					Epoch:         epoch,
					Epochs:        total,
					Step:          steps,
					TrainLoss:     runningLoss / float32(printEvery),
					ValidLoss:     validLoss,
					ValidAccuracy: accuracy,
				}
				reports = append(reports, r)
				klog.Infof("Epoch: %d/%d  Training Loss: %.3f  Test Loss: %.3f  Test Accuracy: %.3f",
					r.Epoch, r.Epochs, r.TrainLoss, r.ValidLoss, r.ValidAccuracy)

				runningLoss = 0
			}
		}

		if cfg.AfterEpoch != nil {
			if err := cfg.AfterEpoch(ctx, epoch); err != nil {
				return reports, err
			}
		}
	}
	return reports, nil
}

func step(ctx context.Context, m *model.Model, criterion *model.NLLLoss, opt Optimizer, b Batch) (float32, error) {
	opt.ZeroGrad()

	out, err := m.Forward(ctx, model.Training, b.Pixels, b.Len())
	if err != nil {
		return 0, err
	}
	loss, err := criterion.Forward(out, b.Labels)
	if err != nil {
		return 0, err
	}
	grads, err := m.Backward(loss)
	if err != nil {
		return 0, err
	}
	if err := opt.Step(grads); err != nil {
		return 0, err
	}
	return loss.Value(), nil
}

// Validate returns the loss and accuracy of m on set, each averaged over
// batches, without tracking gradients.
func Validate(ctx context.Context, m *model.Model, criterion *model.NLLLoss, set Dataset) (float32, float32, error) {
	var (
		totalLoss float32
		totalAcc  float32
		batches   int
	)

	for i := 0; i < set.NumBatches(); i++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}

		b, err := set.Batch(ctx, i)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to load validation batch %d: %w", i, err)
		}
		if b.Len() == 0 {
			continue
		}

		out, err := m.Forward(ctx, model.Evaluating, b.Pixels, b.Len())
		if err != nil {
			return 0, 0, err
		}
		loss, err := criterion.Forward(out, b.Labels)
		if err != nil {
			return 0, 0, err
		}
		totalLoss += loss.Value()
		batches++

		var correct int
		for j, pred := range out.Argmax() {
			if int32(pred) == b.Labels[j] {
				correct++
			}
		}
		totalAcc += float32(correct) / float32(b.Len())
	}

	if batches == 0 {
		return 0, 0, ErrEmptyDataset
	}
	return totalLoss / float32(batches), totalAcc / float32(batches), nil
}
