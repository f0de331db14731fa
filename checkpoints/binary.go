package checkpoints

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/layers"
	"google.golang.org/protobuf/encoding/protowire"
)

// binaryMagic prefixes every binary checkpoint. The rest of the file is a
// protobuf wire-format message:
//
//	1 model_spec       bytes (JSON)
//	2 weights          repeated tensor
//	3 training_state   message
//	4 optimizer_state  message
//	5 metadata         message
var binaryMagic = []byte("LGCK\x01")

const (
	ckModelSpec protowire.Number = iota + 1
	ckWeights
	ckTrainingState
	ckOptimizerState
	ckMetadata
)

// Shared by WeightTensor and OptimizerTensor.
const (
	tnName protowire.Number = iota + 1
	tnShape
	tnData
	tnLayer
	tnType
)

const (
	tsIteration protowire.Number = iota + 1
	tsTotalIterations
	tsLearningRate
	tsDataset
	tsSize
	tsLayer
)

const (
	osType protowire.Number = iota + 1
	osParameter
	osStateData
)

const (
	mdVersion protowire.Number = iota + 1
	mdFramework
	mdCreatedAt
	mdDescription
	mdTags
)

func marshalBinary(cp *Checkpoint) ([]byte, error) {
	b := append([]byte(nil), binaryMagic...)

	if cp.ModelSpec != nil {
		spec, err := json.Marshal(cp.ModelSpec)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, ckModelSpec, protowire.BytesType)
		b = protowire.AppendBytes(b, spec)
	}
	for _, w := range cp.Weights {
		b = protowire.AppendTag(b, ckWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}

	b = protowire.AppendTag(b, ckTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, appendTrainingState(nil, cp.TrainingState))

	if cp.OptimizerState != nil {
		b = protowire.AppendTag(b, ckOptimizerState, protowire.BytesType)
		b = protowire.AppendBytes(b, appendOptimizerState(nil, cp.OptimizerState))
	}

	b = protowire.AppendTag(b, ckMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, appendMetadata(nil, cp.Metadata))
	return b, nil
}

func unmarshalBinary(data []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := consumeFields(data[len(binaryMagic):], func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case ckModelSpec:
			spec := &layers.ModelSpec{}
			if err := json.Unmarshal(v, spec); err != nil {
				return errors.Wrap(err, "model spec")
			}
			cp.ModelSpec = spec
		case ckWeights:
			var w WeightTensor
			if err := parseTensor(v, &w.Name, &w.Shape, &w.Data, &w.Layer, &w.Type); err != nil {
				return errors.Wrap(err, "weight tensor")
			}
			cp.Weights = append(cp.Weights, w)
		case ckTrainingState:
			return errors.Wrap(parseTrainingState(v, &cp.TrainingState), "training state")
		case ckOptimizerState:
			cp.OptimizerState = &OptimizerState{}
			return errors.Wrap(parseOptimizerState(v, cp.OptimizerState), "optimizer state")
		case ckMetadata:
			return errors.Wrap(parseMetadata(v, &cp.Metadata), "metadata")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// consumeFields walks the fields of a message. Length-delimited values are
// passed as their payload; other wire types are passed as the raw value bytes.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		if typ == protowire.BytesType {
			v, n = protowire.ConsumeBytes(b)
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n >= 0 {
				v = b[:n]
			}
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, v); err != nil {
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

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendPackedInts(b []byte, num protowire.Number, values []int) []byte {
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(v)))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendPackedDoubles(b []byte, num protowire.Number, values []float64) []byte {
	packed := make([]byte, 0, 8*len(values))
	for _, v := range values {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func parsePackedInts(v []byte) ([]int, error) {
	var out []int
	for len(v) > 0 {
		x, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int(protowire.DecodeZigZag(x)))
		v = v[n:]
	}
	return out, nil
}

func parsePackedDoubles(v []byte) ([]float64, error) {
	if len(v)%8 != 0 {
		return nil, errors.Errorf("packed doubles: %d bytes is not a multiple of 8", len(v))
	}
	out := make([]float64, 0, len(v)/8)
	for len(v) > 0 {
		x, n := protowire.ConsumeFixed64(v)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float64frombits(x))
		v = v[n:]
	}
	return out, nil
}

func parseVarint(v []byte) (uint64, error) {
	x, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return x, nil
}

func parseDouble(v []byte) (float64, error) {
	x, n := protowire.ConsumeFixed64(v)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return math.Float64frombits(x), nil
}

func appendTensor(b []byte, name string, shape []int, data []float64, layer, kind string) []byte {
	b = appendString(b, tnName, name)
	b = appendPackedInts(b, tnShape, shape)
	b = appendPackedDoubles(b, tnData, data)
	b = appendString(b, tnLayer, layer)
	return appendString(b, tnType, kind)
}

func parseTensor(v []byte, name *string, shape *[]int, data *[]float64, layer, kind *string) error {
	return consumeFields(v, func(num protowire.Number, typ protowire.Type, f []byte) error {
		var err error
		switch num {
		case tnName:
			*name = string(f)
		case tnShape:
			*shape, err = parsePackedInts(f)
		case tnData:
			*data, err = parsePackedDoubles(f)
		case tnLayer:
			*layer = string(f)
		case tnType:
			*kind = string(f)
		}
		return err
	})
}

func appendTrainingState(b []byte, ts TrainingState) []byte {
	b = appendVarint(b, tsIteration, uint64(ts.Iteration))
	b = appendVarint(b, tsTotalIterations, uint64(ts.TotalIterations))
	b = appendDouble(b, tsLearningRate, ts.LearningRate)
	b = appendString(b, tsDataset, ts.Dataset)
	b = appendString(b, tsSize, ts.Size)
	return appendString(b, tsLayer, ts.Layer)
}

func parseTrainingState(v []byte, ts *TrainingState) error {
	return consumeFields(v, func(num protowire.Number, typ protowire.Type, f []byte) error {
		switch num {
		case tsIteration, tsTotalIterations:
			x, err := parseVarint(f)
			if err != nil {
				return err
			}
			if num == tsIteration {
				ts.Iteration = int(x)
			} else {
				ts.TotalIterations = int(x)
			}
		case tsLearningRate:
			x, err := parseDouble(f)
			if err != nil {
				return err
			}
			ts.LearningRate = x
		case tsDataset:
			ts.Dataset = string(f)
		case tsSize:
			ts.Size = string(f)
		case tsLayer:
			ts.Layer = string(f)
		}
		return nil
	})
}

// Hyperparameters are encoded as (1 key, 2 value) entries.
func appendOptimizerState(b []byte, st *OptimizerState) []byte {
	b = appendString(b, osType, st.Type)
	keys := make([]string, 0, len(st.Parameters))
	for k := range st.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendDouble(entry, 2, st.Parameters[k])
		b = protowire.AppendTag(b, osParameter, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	for _, t := range st.StateData {
		b = protowire.AppendTag(b, osStateData, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, t.Name, t.Shape, t.Data, "", t.StateType))
	}
	return b
}

func parseOptimizerState(v []byte, st *OptimizerState) error {
	st.Parameters = make(map[string]float64)
	return consumeFields(v, func(num protowire.Number, typ protowire.Type, f []byte) error {
		switch num {
		case osType:
			st.Type = string(f)
		case osParameter:
			var key string
			var value float64
			err := consumeFields(f, func(n protowire.Number, _ protowire.Type, e []byte) error {
				var err error
				switch n {
				case 1:
					key = string(e)
				case 2:
					value, err = parseDouble(e)
				}
				return err
			})
			if err != nil {
				return err
			}
			st.Parameters[key] = value
		case osStateData:
			var t OptimizerTensor
			var layer string
			if err := parseTensor(f, &t.Name, &t.Shape, &t.Data, &layer, &t.StateType); err != nil {
				return err
			}
			st.StateData = append(st.StateData, t)
		}
		return nil
	})
}

func appendMetadata(b []byte, md CheckpointMetadata) []byte {
	b = appendString(b, mdVersion, md.Version)
	b = appendString(b, mdFramework, md.Framework)
	b = appendVarint(b, mdCreatedAt, uint64(md.CreatedAt.UnixNano()))
	b = appendString(b, mdDescription, md.Description)
	for _, tag := range md.Tags {
		b = protowire.AppendTag(b, mdTags, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func parseMetadata(v []byte, md *CheckpointMetadata) error {
	return consumeFields(v, func(num protowire.Number, typ protowire.Type, f []byte) error {
		switch num {
		case mdVersion:
			md.Version = string(f)
		case mdFramework:
			md.Framework = string(f)
		case mdCreatedAt:
			x, err := parseVarint(f)
			if err != nil {
				return err
			}
			md.CreatedAt = time.Unix(0, int64(x))
		case mdDescription:
			md.Description = string(f)
		case mdTags:
			md.Tags = append(md.Tags, string(f))
		}
		return nil
	})
}
