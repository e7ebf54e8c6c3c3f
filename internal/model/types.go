package model

// Mode selects how a forward pass is run.
type Mode int

const (
	// Training records head operations so gradients can be computed.
	Training Mode = iota
	// Evaluating runs without gradient tracking.
	Evaluating
)

func (m Mode) String() string {
	switch m {
	case Training:
		return "training"
	case Evaluating:
		return "evaluating"
	default:
		return "unknown"
	}
}

type Metadata struct {
	Arch        string   `json:"arch"`
	InputShape  []int64  `json:"input_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	Device      string   `json:"device"`
	Fingerprint string   `json:"backbone_sha256,omitempty"`
}

// Metadata describes the model for clients of the prediction server.
func (m *Model) Metadata() Metadata {
	s := int64(m.ImageSize())
	return Metadata{
		Arch:        m.arch,
		InputShape:  []int64{3, s, s},
		Classes:     m.labels.Labels(),
		ImageSize:   m.ImageSize(),
		Device:      m.device.String(),
		Fingerprint: m.Fingerprint(),
	}
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
	TopK  int       `json:"topk,omitempty"`
}

type PredictionResponse struct {
	Class       string             `json:"class"`
	Confidence  float32            `json:"confidence"`
	TopK        []ClassProb        `json:"topk"`
	Predictions map[string]float32 `json:"predictions"`
}

type ClassProb struct {
	Class       string  `json:"class"`
	Probability float32 `json:"probability"`
}
