package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/Brownie44l1/tl-classifier/internal/backbone"
	"github.com/Brownie44l1/tl-classifier/internal/checkpoint"
	"github.com/Brownie44l1/tl-classifier/internal/dataset"
	"github.com/Brownie44l1/tl-classifier/internal/device"
	"github.com/Brownie44l1/tl-classifier/internal/model"
	"github.com/Brownie44l1/tl-classifier/internal/optim"
	"github.com/Brownie44l1/tl-classifier/internal/preprocess"
	"github.com/Brownie44l1/tl-classifier/internal/train"
)

var (
	trainDir   = flag.String("train", "", "training images, one subdirectory per class")
	validDir   = flag.String("valid", "", "validation images; when empty -valid-split of -train is held out")
	validSplit = flag.Float64("valid-split", 0.2, "fraction of each class held out when -valid is not set")
	arch       = flag.String("arch", "densenet121", "pretrained backbone architecture")
	epochs     = flag.Int("epochs", 3, "number of epochs to train")
	batchSize  = flag.Int("batch", 32, "batch size")
	lr         = flag.Float64("lr", 0.001, "Adam learning rate")
	printEvery = flag.Int("print-every", train.DefaultPrintEvery, "steps between validation reports")
	save       = flag.String("save", "checkpoint.pb", "checkpoint to write; a .json suffix selects the text encoding")
	saveEvery  = flag.Int("save-every", 0, "also checkpoint every N epochs (0 = only at the end)")
	resume     = flag.String("resume", "", "checkpoint to continue training from")
	seed       = flag.Int64("seed", 1, "seed for shuffling and the validation split")
	workers    = flag.Int("workers", 0, "image decoding workers (0 = GOMAXPROCS)")
	cacheSize  = flag.Int("cache", 0, "number of preprocessed images kept in memory")
)

func main() {
	klog.InitFlags(nil)
	dev := device.CPU
	flag.Var(&dev, "device", "cpu or gpu")
	bcfg := backbone.RegisterFlags(flag.CommandLine)
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "usage: %s -train DIR (-backbone FILE | -backbone-url URL) [flags]\n\n", os.Args[0])
		fmt.Fprintln(out, "The pretrained backbone is not bundled. Point -backbone at a local .onnx export")
		fmt.Fprintln(out, "or -backbone-url at one to download into the cache; BACKBONE_PATH and")
		fmt.Fprintln(out, "BACKBONE_URL set the same defaults.")
		fmt.Fprintln(out)
		flag.PrintDefaults()
	}
	flag.Parse()
	defer klog.Flush()

	if *trainDir == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	modelOpts := []model.Option{
		model.WithDevice(dev),
		model.WithBackboneConfig(*bcfg),
		model.WithLearningRate(float32(*lr)),
	}

	var (
		m          *model.Model
		opt        *optim.Adam[model.Backend]
		crit       *model.NLLLoss
		folder     *dataset.ImageFolder
		startEpoch int
		err        error
	)
	if *resume != "" {
		r, err := checkpoint.Load(ctx, *resume, checkpoint.ExpectArch(*arch), checkpoint.ModelOptions(modelOpts...))
		if err != nil {
			klog.Fatalf("Failed to resume: %v", err)
		}
		m, opt, crit, startEpoch = r.Model, r.Optimizer, r.Criterion, r.Epochs
		if isSet("lr") {
			opt.SetLR(float32(*lr))
			klog.Infof("Learning rate set to %g, overriding the checkpoint", *lr)
		} else {
			klog.Infof("Using learning rate %g from the checkpoint", opt.Config().LR)
		}
		if folder, err = dataset.OpenWithClasses(*trainDir, m.Labels().ClassToIdx()); err != nil {
			klog.Fatalf("Failed to open training data: %v", err)
		}
	} else {
		if folder, err = dataset.Open(*trainDir); err != nil {
			klog.Fatalf("Failed to open training data: %v", err)
		}
		if m, opt, crit, err = model.Create(ctx, *arch, folder.ClassToIdx, modelOpts...); err != nil {
			klog.Fatalf("Failed to create model: %v", err)
		}
	}
	defer m.Close()

	var trainSet, validSet *dataset.ImageFolder
	if *validDir != "" {
		trainSet = folder
		if validSet, err = dataset.OpenWithClasses(*validDir, folder.ClassToIdx); err != nil {
			klog.Fatalf("Failed to open validation data: %v", err)
		}
	} else {
		trainSet, validSet = folder.Split(*validSplit, *seed)
	}
	klog.Infof("Training set: %s", trainSet)
	klog.Infof("Validation set: %s", validSet)

	pipe := preprocess.ForSize(m.ImageSize())
	trainLoader := dataset.NewLoader(trainSet, pipe, dataset.LoaderConfig{
		BatchSize: *batchSize,
		Shuffle:   true,
		Seed:      *seed,
		Workers:   *workers,
		CacheSize: *cacheSize,
	})
	validLoader := dataset.NewLoader(validSet, pipe, dataset.LoaderConfig{
		BatchSize: *batchSize,
		Workers:   *workers,
		CacheSize: *cacheSize,
	})

	cfg := train.Config{
		Epochs:     *epochs,
		PrintEvery: *printEvery,
		StartEpoch: startEpoch,
		AfterEpoch: func(_ context.Context, n int) error {
			if *saveEvery > 0 && n%*saveEvery == 0 && n != startEpoch+*epochs {
				return checkpoint.Save(*save, m, opt, n)
			}
			return nil
		},
	}

	klog.Infof("Training %s on %s for %d epochs (lr=%g, batch=%d)", m.Arch(), m.Device(), *epochs, opt.Config().LR, *batchSize)
	if _, err := train.Train(ctx, cfg, m, crit, opt, trainLoader, validLoader); err != nil {
		klog.Fatalf("Training failed: %v", err)
	}

	if err := checkpoint.Save(*save, m, opt, startEpoch+*epochs); err != nil {
		klog.Fatalf("Failed to save checkpoint: %v", err)
	}
}

// isSet reports whether the named flag was given on the command line.
func isSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
