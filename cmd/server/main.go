package main

import (
	"context"
	"flag"
	"net/http"
	"os"

	"k8s.io/klog/v2"

	"github.com/Brownie44l1/tl-classifier/internal/backbone"
	"github.com/Brownie44l1/tl-classifier/internal/checkpoint"
	"github.com/Brownie44l1/tl-classifier/internal/device"
	"github.com/Brownie44l1/tl-classifier/internal/handlers"
	"github.com/Brownie44l1/tl-classifier/internal/model"
)

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	klog.InitFlags(nil)
	port := flag.String("port", envOr("PORT", "8080"), "port to listen on")
	ckpt := flag.String("checkpoint", envOr("CHECKPOINT", "checkpoint.pb"), "trained classifier checkpoint")
	dev := device.CPU
	flag.Var(&dev, "device", "cpu or gpu")
	bcfg := backbone.RegisterFlags(flag.CommandLine)
	flag.Parse()
	defer klog.Flush()

	klog.Infof("Loading model from: %s", *ckpt)

	restored, err := checkpoint.Load(context.Background(), *ckpt,
		checkpoint.ModelOptions(model.WithDevice(dev), model.WithBackboneConfig(*bcfg)))
	if err != nil {
		klog.Fatalf("Failed to initialize model: %v", err)
	}
	m := restored.Model
	defer m.Close()

	handler := handlers.NewHandler(m)

	http.HandleFunc("/health", enableCORS(handler.Health))
	http.HandleFunc("/predict", enableCORS(handler.Predict))
	http.HandleFunc("/predict/image", enableCORS(handler.PredictFromImage))

	klog.Infof("Server starting on port %s", *port)
	klog.Infof("Model loaded: %s (arch=%s epochs=%d device=%s)", *ckpt, m.Arch(), restored.Epochs, m.Device())
	klog.Infof("Classes: %v", m.Labels().Labels())
	klog.Info("Endpoints:")
	klog.Info("  GET /health - Health check")
	klog.Info("  POST /predict - Raw array prediction")
	klog.Info("  POST /predict/image   - Predict from image upload")
	klog.Infof("Upload test: curl -X POST -F \"image=@flower.jpg\" http://localhost:%s/predict/image", *port)

	if err := http.ListenAndServe(":"+*port, nil); err != nil {
		klog.Fatalf("Server failed: %v", err)
	}
}
