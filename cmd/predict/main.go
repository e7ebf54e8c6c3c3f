package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/Brownie44l1/tl-classifier/internal/backbone"
	"github.com/Brownie44l1/tl-classifier/internal/checkpoint"
	"github.com/Brownie44l1/tl-classifier/internal/device"
	"github.com/Brownie44l1/tl-classifier/internal/model"
	"github.com/Brownie44l1/tl-classifier/internal/predict"
)

func main() {
	klog.InitFlags(nil)
	ckpt := flag.String("checkpoint", os.Getenv("CHECKPOINT"), "trained classifier checkpoint")
	topK := flag.Int("topk", predict.DefaultK, "number of classes to print")
	dev := device.CPU
	flag.Var(&dev, "device", "cpu or gpu")
	bcfg := backbone.RegisterFlags(flag.CommandLine)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s -checkpoint FILE [flags] IMAGE\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	defer klog.Flush()

	if flag.NArg() != 1 || *ckpt == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()
	restored, err := checkpoint.Load(ctx, *ckpt,
		checkpoint.ModelOptions(model.WithDevice(dev), model.WithBackboneConfig(*bcfg)))
	if err != nil {
		klog.Fatalf("Failed to load checkpoint: %v", err)
	}
	defer restored.Model.Close()

	res, err := predict.Predict(ctx, flag.Arg(0), restored.Model, *topK)
	if err != nil {
		klog.Fatalf("Prediction failed: %v", err)
	}
	for i, label := range res.Labels {
		fmt.Printf("%d. %-24s %.4f\n", i+1, label, res.Probs[i])
	}
}
