package checkpoints

import (
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Binary layout, field numbers per message:
//
//	Checkpoint:     1 metadata, 2 training_state, 3 module (repeated), 4 optimizer (repeated)
//	Metadata:       1 version, 2 framework, 3 created_at (unix nanos), 4 description
//	TrainingState:  1 step, 2 generator_lr, 3 discriminator_lr, 4 train_name, 5 run_id
//	Module:         1 key, 2 tensor (repeated)
//	Optimizer:      1 key, 2 type, 3 parameters (google.protobuf.Struct), 4 tensor (repeated)
//	Tensor:         1 name, 2 shape (packed varint), 3 data (packed fixed32), 4 state_type
const (
	fieldMetadata      protowire.Number = 1
	fieldTrainingState protowire.Number = 2
	fieldModule        protowire.Number = 3
	fieldOptimizer     protowire.Number = 4
)

func marshalProto(c *Checkpoint) ([]byte, error) {
	var b []byte

	var meta []byte
	meta = appendString(meta, 1, c.Metadata.Version)
	meta = appendString(meta, 2, c.Metadata.Framework)
	meta = protowire.AppendTag(meta, 3, protowire.VarintType)
	meta = protowire.AppendVarint(meta, uint64(c.Metadata.CreatedAt.UnixNano()))
	meta = appendString(meta, 4, c.Metadata.Description)
	b = appendMessage(b, fieldMetadata, meta)

	ts := c.TrainingState
	var state []byte
	state = protowire.AppendTag(state, 1, protowire.VarintType)
	state = protowire.AppendVarint(state, uint64(ts.Step))
	state = protowire.AppendTag(state, 2, protowire.Fixed64Type)
	state = protowire.AppendFixed64(state, math.Float64bits(ts.GeneratorLR))
	state = protowire.AppendTag(state, 3, protowire.Fixed64Type)
	state = protowire.AppendFixed64(state, math.Float64bits(ts.DiscriminatorLR))
	state = appendString(state, 4, ts.TrainName)
	state = appendString(state, 5, ts.RunID)
	b = appendMessage(b, fieldTrainingState, state)

	for _, key := range sortedKeys(c.Modules) {
		var m []byte
		m = appendString(m, 1, key)
		for _, w := range c.Modules[key] {
			m = appendMessage(m, 2, encodeTensor(w.Name, w.Shape, w.Data, ""))
		}
		b = appendMessage(b, fieldModule, m)
	}

	for _, key := range sortedKeys(c.Optimizers) {
		opt := c.Optimizers[key]
		if opt == nil {
			continue
		}
		params, err := structpb.NewStruct(opt.Parameters)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s parameters: %v", key, err)
		}
		raw, err := proto.MarshalOptions{Deterministic: true}.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s parameters: %v", key, err)
		}

		var o []byte
		o = appendString(o, 1, key)
		o = appendString(o, 2, opt.Type)
		o = appendMessage(o, 3, raw)
		for _, st := range opt.StateData {
			o = appendMessage(o, 4, encodeTensor(st.Name, st.Shape, st.Data, st.StateType))
		}
		b = appendMessage(b, fieldOptimizer, o)
	}

	return b, nil
}

func unmarshalProto(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{
		Modules:    make(map[string][]WeightTensor),
		Optimizers: make(map[string]*OptimizerState),
	}

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldMetadata:
			return decodeMetadata(v, &c.Metadata)
		case fieldTrainingState:
			return decodeTrainingState(v, &c.TrainingState)
		case fieldModule:
			key, weights, err := decodeModule(v)
			if err != nil {
				return err
			}
			c.Modules[key] = weights
		case fieldOptimizer:
			key, opt, err := decodeOptimizer(v)
			if err != nil {
				return err
			}
			c.Optimizers[key] = opt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func decodeMetadata(b []byte, m *CheckpointMetadata) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.Version = string(v)
		case num == 2 && typ == protowire.BytesType:
			m.Framework = string(v)
		case num == 3 && typ == protowire.VarintType:
			m.CreatedAt = time.Unix(0, int64(x))
		case num == 4 && typ == protowire.BytesType:
			m.Description = string(v)
		}
		return nil
	})
}

func decodeTrainingState(b []byte, ts *TrainingState) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			ts.Step = int(x)
		case num == 2 && typ == protowire.Fixed64Type:
			ts.GeneratorLR = math.Float64frombits(x)
		case num == 3 && typ == protowire.Fixed64Type:
			ts.DiscriminatorLR = math.Float64frombits(x)
		case num == 4 && typ == protowire.BytesType:
			ts.TrainName = string(v)
		case num == 5 && typ == protowire.BytesType:
			ts.RunID = string(v)
		}
		return nil
	})
}

func decodeModule(b []byte) (string, []WeightTensor, error) {
	var key string
	weights := []WeightTensor{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			key = string(v)
		case 2:
			name, shape, data, _, err := decodeTensor(v)
			if err != nil {
				return err
			}
			weights = append(weights, WeightTensor{Name: name, Shape: shape, Data: data})
		}
		return nil
	})
	if err == nil && key == "" {
		err = fmt.Errorf("module entry without key")
	}
	return key, weights, err
}

func decodeOptimizer(b []byte) (string, *OptimizerState, error) {
	var key string
	opt := &OptimizerState{Parameters: map[string]interface{}{}}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			key = string(v)
		case 2:
			opt.Type = string(v)
		case 3:
			var params structpb.Struct
			if err := proto.Unmarshal(v, &params); err != nil {
				return fmt.Errorf("invalid optimizer parameters: %v", err)
			}
			opt.Parameters = params.AsMap()
		case 4:
			name, shape, data, stateType, err := decodeTensor(v)
			if err != nil {
				return err
			}
			opt.StateData = append(opt.StateData, OptimizerTensor{Name: name, Shape: shape, Data: data, StateType: stateType})
		}
		return nil
	})
	if err == nil && key == "" {
		err = fmt.Errorf("optimizer entry without key")
	}
	return key, opt, err
}

func encodeTensor(name string, shape []int, data []float32, stateType string) []byte {
	var b []byte
	b = appendString(b, 1, name)

	var packedShape []byte
	for _, d := range shape {
		packedShape = protowire.AppendVarint(packedShape, uint64(d))
	}
	b = appendMessage(b, 2, packedShape)

	packedData := make([]byte, 0, 4*len(data))
	for _, v := range data {
		packedData = protowire.AppendFixed32(packedData, math.Float32bits(v))
	}
	b = appendMessage(b, 3, packedData)
	b = appendString(b, 4, stateType)
	return b
}

func decodeTensor(b []byte) (name string, shape []int, data []float32, stateType string, err error) {
	shape = []int{}
	data = []float32{}
	err = walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			name = string(v)
		case 2:
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				shape = append(shape, int(d))
				v = v[n:]
			}
		case 3:
			if len(v)%4 != 0 {
				return fmt.Errorf("tensor %q has truncated data", name)
			}
			data = make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, n := protowire.ConsumeFixed32(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				data = append(data, math.Float32frombits(bits))
				v = v[n:]
			}
		case 4:
			stateType = string(v)
		}
		return nil
	})
	return name, shape, data, stateType, err
}

// walkFields visits every top-level field of an encoded message. v holds the
// payload of length-delimited fields, x the value of numeric ones.
func walkFields(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		var x uint64
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var y uint32
			y, n = protowire.ConsumeFixed32(b)
			x = uint64(y)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := visit(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
