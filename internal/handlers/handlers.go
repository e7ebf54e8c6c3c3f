package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"k8s.io/klog/v2"

	"github.com/Brownie44l1/tl-classifier/internal/model"
	"github.com/Brownie44l1/tl-classifier/internal/predict"
	"github.com/Brownie44l1/tl-classifier/internal/preprocess"
)

// maxUpload bounds multipart image uploads.
const maxUpload = 10 << 20

type Handler struct {
	// mu serializes forward passes; the head backend is not safe for
	// concurrent use.
	mu    sync.Mutex
	model *model.Model
	pipe  preprocess.Pipeline
}

func NewHandler(m *model.Model) *Handler {
	return &Handler{
		model: m,
		pipe:  preprocess.ForSize(m.ImageSize()),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Status string         `json:"status"`
		Model  model.Metadata `json:"model"`
	}{"healthy", h.model.Metadata()})
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req model.PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if want := h.model.InputLen(); len(req.Image) != want {
		http.Error(w, fmt.Sprintf("Expected %d values, got %d", want, len(req.Image)),
			http.StatusBadRequest)
		return
	}

	h.respond(w, r, req.Image, req.TopK)
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUpload); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return
	}
	defer file.Close()

	klog.V(1).Infof("Received file: %s, size: %d bytes", header.Filename, header.Size)

	pixels, err := h.pipe.Reader(file)
	if err != nil {
		klog.V(1).Infof("Decode error for %s: %v", header.Filename, err)
		http.Error(w, "Invalid image format. Supported: JPEG, PNG", http.StatusBadRequest)
		return
	}

	var k int
	if v := r.FormValue("topk"); v != "" {
		if k, err = strconv.Atoi(v); err != nil {
			http.Error(w, "Invalid topk", http.StatusBadRequest)
			return
		}
	}

	h.respond(w, r, pixels, k)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, pixels []float32, k int) {
	h.mu.Lock()
	res, err := predict.Pixels(r.Context(), pixels, h.model, k)
	h.mu.Unlock()
	if err != nil {
		klog.Errorf("Prediction error: %v", err)
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, response(res))
}

func response(res *predict.Result) *model.PredictionResponse {
	out := &model.PredictionResponse{
		TopK:        make([]model.ClassProb, len(res.Labels)),
		Predictions: make(map[string]float32, len(res.Labels)),
	}
	for i, label := range res.Labels {
		out.TopK[i] = model.ClassProb{Class: label, Probability: res.Probs[i]}
		out.Predictions[label] = res.Probs[i]
	}
	if len(res.Labels) > 0 {
		out.Class, out.Confidence = res.Labels[0], res.Probs[0]
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Errorf("Failed to write response: %v", err)
	}
}
