package checkpoint

import (
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Brownie44l1/tl-classifier/internal/model"
	"github.com/Brownie44l1/tl-classifier/internal/optim"
)

// Field names of the checkpoint record.
const (
	fieldEpoch      = "epoch"
	fieldArch       = "arch"
	fieldStateDict  = "state_dict"
	fieldOptimizer  = "optimizer"
	fieldClassToIdx = "class_to_idx"
	fieldBackbone   = "backbone_sha256"
	fieldCreatedAt  = "created_at"
)

type record struct {
	epochs      int
	arch        string
	stateDict   map[string]model.ParamState
	optimizer   optim.State
	classToIdx  map[string]int
	fingerprint string
	createdAt   time.Time
}

func encode(m *model.Model, opt *optim.Adam[model.Backend], epochs int, now time.Time) *structpb.Struct {
	state := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	for name, p := range m.StateDict() {
		state.Fields[name] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"shape": intList(p.Shape),
			"data":  floatList(p.Data),
		}})
	}

	classes := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	for label, idx := range m.Labels().ClassToIdx() {
		classes.Fields[label] = structpb.NewNumberValue(float64(idx))
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldEpoch:      structpb.NewNumberValue(float64(epochs)),
		fieldArch:       structpb.NewStringValue(m.Arch()),
		fieldStateDict:  structpb.NewStructValue(state),
		fieldOptimizer:  structpb.NewStructValue(encodeOptimizer(opt.State())),
		fieldClassToIdx: structpb.NewStructValue(classes),
		fieldBackbone:   structpb.NewStringValue(m.Fingerprint()),
		fieldCreatedAt:  structpb.NewStringValue(now.Format(time.RFC3339)),
	}}
}

func encodeOptimizer(s optim.State) *structpb.Struct {
	moments := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	for name, mom := range s.Moments {
		moments.Fields[name] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"exp_avg":    floatList(mom.M),
			"exp_avg_sq": floatList(mom.V),
		}})
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"step":  structpb.NewNumberValue(float64(s.Step)),
		"lr":    structpb.NewNumberValue(float64(s.Config.LR)),
		"betas": floatList(s.Config.Betas[:]),
		"eps":   structpb.NewNumberValue(float64(s.Config.Eps)),
		"state": structpb.NewStructValue(moments),
	}}
}

// checkFinite rejects state that protojson could not encode and that no
// later Load could make use of.
func checkFinite(m *model.Model, opt *optim.Adam[model.Backend]) error {
	for name, p := range m.StateDict() {
		if err := finite(name, p.Data); err != nil {
			return err
		}
	}
	for name, mom := range opt.State().Moments {
		if err := finite(name+".exp_avg", mom.M); err != nil {
			return err
		}
		if err := finite(name+".exp_avg_sq", mom.V); err != nil {
			return err
		}
	}
	return nil
}

func finite(name string, data []float32) error {
	for i, v := range data {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: %s[%d] is %v", ErrNonFinite, name, i, v)
		}
	}
	return nil
}

func floatList(data []float32) *structpb.Value {
	values := make([]*structpb.Value, len(data))
	for i, v := range data {
		values[i] = structpb.NewNumberValue(float64(v))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func intList(data []int) *structpb.Value {
	values := make([]*structpb.Value, len(data))
	for i, v := range data {
		values[i] = structpb.NewNumberValue(float64(v))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func decode(s *structpb.Struct) (*record, error) {
	var (
		r   record
		err error
	)

	if r.arch, err = getString(s, fieldArch); err != nil {
		return nil, err
	}
	if r.epochs, err = getInt(s, fieldEpoch); err != nil {
		return nil, err
	}

	classes, err := getStruct(s, fieldClassToIdx)
	if err != nil {
		return nil, err
	}
	r.classToIdx = make(map[string]int, len(classes.GetFields()))
	for label := range classes.GetFields() {
		if r.classToIdx[label], err = getInt(classes, label); err != nil {
			return nil, err
		}
	}

	state, err := getStruct(s, fieldStateDict)
	if err != nil {
		return nil, err
	}
	r.stateDict = make(map[string]model.ParamState, len(state.GetFields()))
	for _, name := range sortedKeys(state) {
		p, err := getStruct(state, name)
		if err != nil {
			return nil, err
		}
		shape, err := getInts(p, "shape")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		data, err := getFloats(p, "data")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		r.stateDict[name] = model.ParamState{Shape: shape, Data: data}
	}

	opt, err := getStruct(s, fieldOptimizer)
	if err != nil {
		return nil, err
	}
	if r.optimizer, err = decodeOptimizer(opt); err != nil {
		return nil, err
	}

	// Optional fields.
	if v, ok := s.GetFields()[fieldBackbone]; ok {
		r.fingerprint = v.GetStringValue()
	}
	if v, ok := s.GetFields()[fieldCreatedAt]; ok {
		r.createdAt, _ = time.Parse(time.RFC3339, v.GetStringValue())
	}
	return &r, nil
}

func decodeOptimizer(s *structpb.Struct) (optim.State, error) {
	var st optim.State
	step, err := getInt(s, "step")
	if err != nil {
		return st, err
	}
	st.Step = int64(step)

	lr, err := getNumber(s, "lr")
	if err != nil {
		return st, err
	}
	eps, err := getNumber(s, "eps")
	if err != nil {
		return st, err
	}
	betas, err := getFloats(s, "betas")
	if err != nil {
		return st, err
	}
	if len(betas) != 2 {
		return st, fmt.Errorf("%w: optimizer betas has %d values", ErrCorrupt, len(betas))
	}
	st.Config = optim.AdamConfig{LR: float32(lr), Betas: [2]float32{betas[0], betas[1]}, Eps: float32(eps)}

	moments, err := getStruct(s, "state")
	if err != nil {
		return st, err
	}
	st.Moments = make(map[string]optim.Moments, len(moments.GetFields()))
	for _, name := range sortedKeys(moments) {
		mom, err := getStruct(moments, name)
		if err != nil {
			return st, err
		}
		m, err := getFloats(mom, "exp_avg")
		if err != nil {
			return st, err
		}
		v, err := getFloats(mom, "exp_avg_sq")
		if err != nil {
			return st, err
		}
		st.Moments[name] = optim.Moments{M: m, V: v}
	}
	return st, nil
}

func sortedKeys(s *structpb.Struct) []string {
	keys := make([]string, 0, len(s.GetFields()))
	for k := range s.GetFields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func field(s *structpb.Struct, name string) (*structpb.Value, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrCorrupt, name)
	}
	return v, nil
}

func getStruct(s *structpb.Struct, name string) (*structpb.Struct, error) {
	v, err := field(s, name)
	if err != nil {
		return nil, err
	}
	st, ok := v.GetKind().(*structpb.Value_StructValue)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an object", ErrCorrupt, name)
	}
	return st.StructValue, nil
}

func getString(s *structpb.Struct, name string) (string, error) {
	v, err := field(s, name)
	if err != nil {
		return "", err
	}
	str, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%w: %q is not a string", ErrCorrupt, name)
	}
	return str.StringValue, nil
}

func getNumber(s *structpb.Struct, name string) (float64, error) {
	v, err := field(s, name)
	if err != nil {
		return 0, err
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %q is not a number", ErrCorrupt, name)
	}
	return n.NumberValue, nil
}

func getInt(s *structpb.Struct, name string) (int, error) {
	n, err := getNumber(s, name)
	if err != nil {
		return 0, err
	}
	if n != math.Trunc(n) {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrCorrupt, name)
	}
	return int(n), nil
}

func getList(s *structpb.Struct, name string) ([]*structpb.Value, error) {
	v, err := field(s, name)
	if err != nil {
		return nil, err
	}
	l, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a list", ErrCorrupt, name)
	}
	return l.ListValue.GetValues(), nil
}

func getFloats(s *structpb.Struct, name string) ([]float32, error) {
	values, err := getList(s, name)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(values))
	for i, v := range values {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("%w: %q[%d] is not a number", ErrCorrupt, name, i)
		}
		out[i] = float32(n.NumberValue)
	}
	return out, nil
}

func getInts(s *structpb.Struct, name string) ([]int, error) {
	values, err := getFloats(s, name)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(values))
	for i, v := range values {
		out[i] = int(v)
	}
	return out, nil
}
