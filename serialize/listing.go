// Package serialize implements the textual round-trip format of §6: a
// YAML-like listing with an `ops` section and a `connections` section.
// Built on gopkg.in/yaml.v3 for the structured encode/decode, replacing
// the original's ad-hoc deserializer registry with an explicit switch on
// `_type`.
package serialize

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/lnstadrum/beatmup-sub001/beatmuperr"
	"github.com/lnstadrum/beatmup-sub001/chunkstore"
	"github.com/lnstadrum/beatmup-sub001/model"
	"github.com/lnstadrum/beatmup-sub001/nnets"
	"github.com/lnstadrum/beatmup-sub001/shader"
	"github.com/lnstadrum/beatmup-sub001/storage"
)

// Listing is the parsed form of a model's textual representation: an
// ordered list of operation records plus an ordered list of connection
// records, before any Model object is built from them.
type Listing struct {
	Ops         []OpRecord         `yaml:"ops"`
	Connections []ConnectionRecord `yaml:"connections"`
}

// OpRecord is one entry of the `ops` section. Fields irrelevant to
// `Type` are left zero, and Marshal leaves zero fields out through their
// omitempty tags.
type OpRecord struct {
	Name string `yaml:"_name"`
	Type string `yaml:"_type"`

	// conv2d
	KernelSize      int    `yaml:"kernel_size,omitempty"`
	InputChannels   int    `yaml:"input_channels,omitempty"`
	OutputChannels  int    `yaml:"output_channels,omitempty"`
	Stride          int    `yaml:"stride,omitempty"`
	Padding         string `yaml:"padding,omitempty"`
	UseBias         *bool  `yaml:"use_bias,omitempty"`
	Groups          int    `yaml:"groups,omitempty"`
	Activation      string `yaml:"activation,omitempty"`

	// pooling2d
	Operator string `yaml:"operator,omitempty"`
	Size     int    `yaml:"size,omitempty"`

	// dense
	OutputDims int `yaml:"output_dims,omitempty"`

	// image_sampler
	OutputWidth  int   `yaml:"output_width,omitempty"`
	OutputHeight int   `yaml:"output_height,omitempty"`
	CenterCrop   *bool `yaml:"center_crop,omitempty"`
	LinearInterp *bool `yaml:"linear_interp,omitempty"`
}

// ConnectionRecord is one entry of the `connections` section.
type ConnectionRecord struct {
	From        string `yaml:"from"`
	To          string `yaml:"to"`
	FromOutput  int    `yaml:"from_output,omitempty"`
	ToInput     int    `yaml:"to_input,omitempty"`
	Shuffle     int    `yaml:"shuffle,omitempty"`
}

// known operation type names, matching §6 exactly.
const (
	TypeConv2D       = "conv2d"
	TypePooling2D    = "pooling2d"
	TypeDense        = "dense"
	TypeImageSampler = "image_sampler"
	TypeSoftmax      = "softmax"
)

func boolPtr(b bool) *bool { return &b }

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// ModelChunkID is the reserved empty chunk id under which a model's
// textual listing travels inside the same chunk collection as its
// weights, so a single file carries both the graph and its data.
const ModelChunkID = ""

// Embed stores the listing's marshalled text under the reserved empty
// chunk id of store.
func (l *Listing) Embed(store *chunkstore.Store) error {
	text, err := l.Marshal()
	if err != nil {
		return err
	}
	return store.Put(ModelChunkID, text)
}

// FromStore parses the listing embedded in store under the reserved
// empty chunk id; ok is false when store carries no embedded listing.
func FromStore(store *chunkstore.Store) (l *Listing, ok bool, err error) {
	text, ok := store.Chunk(ModelChunkID)
	if !ok {
		return nil, false, nil
	}
	l, err = Parse(text)
	if err != nil {
		return nil, true, err
	}
	return l, true, nil
}

// Parse decodes a YAML document into a Listing.
func Parse(text []byte) (*Listing, error) {
	var l Listing
	if err := yaml.Unmarshal(text, &l); err != nil {
		return nil, beatmuperr.NewInvalidArgument("serialize: parsing listing: %v", err)
	}
	return &l, nil
}

// Marshal encodes a Listing back to YAML text.
func (l *Listing) Marshal() ([]byte, error) {
	return yaml.Marshal(l)
}

// Build constructs a model.Model from the listing, instantiating one
// nnets.Operation per OpRecord by an explicit switch on Type (in place of
// the original's deserializer registry) and wiring every ConnectionRecord
// by operation name.
func (l *Listing) Build() (*model.Model, error) {
	m := model.New()
	byName := make(map[string]model.OpID, len(l.Ops))
	for _, rec := range l.Ops {
		op, err := buildOperation(rec)
		if err != nil {
			return nil, err
		}
		if _, exists := byName[rec.Name]; exists {
			return nil, beatmuperr.NewInvalidArgument("serialize: duplicate operation name %q", rec.Name)
		}
		byName[rec.Name] = m.AddOperation(op)
	}
	for _, c := range l.Connections {
		src, ok := byName[c.From]
		if !ok {
			return nil, beatmuperr.NewInvalidArgument("serialize: connection references unknown operation %q", c.From)
		}
		dst, ok := byName[c.To]
		if !ok {
			return nil, beatmuperr.NewInvalidArgument("serialize: connection references unknown operation %q", c.To)
		}
		if err := m.AddConnection(src, c.FromOutput, dst, c.ToInput, c.Shuffle); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func buildOperation(rec OpRecord) (nnets.Operation, error) {
	switch rec.Type {
	case TypeConv2D:
		padding, err := storage.PaddingFromString(orDefault(rec.Padding, "valid"))
		if err != nil {
			return nil, err
		}
		activation, err := shader.ActivationFromString(orDefault(rec.Activation, "default"))
		if err != nil {
			return nil, err
		}
		stride := rec.Stride
		if stride == 0 {
			stride = 1
		}
		groups := rec.Groups
		if groups == 0 {
			groups = 1
		}
		return nnets.NewConv2D(rec.Name, rec.KernelSize, rec.InputChannels, rec.OutputChannels, stride, padding, boolOr(rec.UseBias, true), groups, activation)

	case TypePooling2D:
		op, err := nnets.PoolingOperatorFromString(rec.Operator)
		if err != nil {
			return nil, err
		}
		padding, err := storage.PaddingFromString(orDefault(rec.Padding, "valid"))
		if err != nil {
			return nil, err
		}
		stride := rec.Stride
		if stride == 0 {
			stride = 1
		}
		return nnets.NewPooling2D(rec.Name, op, rec.Size, stride, padding)

	case TypeDense:
		return nnets.NewDense(rec.Name, rec.OutputDims, boolOr(rec.UseBias, false)), nil

	case TypeImageSampler:
		return nnets.NewImageSampler(rec.Name, rec.OutputWidth, rec.OutputHeight, boolOr(rec.CenterCrop, true), boolOr(rec.LinearInterp, true)), nil

	case TypeSoftmax:
		return nnets.NewSoftmax(rec.Name), nil

	default:
		return nil, beatmuperr.NewInvalidArgument("serialize: unknown operation type %q", rec.Type)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// FromModel produces a Listing capturing m's operations and connections,
// the inverse of Build (modulo field defaults: round-tripping through
// Marshal/Parse/Build reproduces an operation-for-operation equivalent
// model, matching Invariant 1's serialization round-trip property; an
// ImageSampler's rotation has no listing field and comes back as 0). Each
// operation's own Name() supplies the listing's `_name` field, so no
// separate name table is needed.
func FromModel(m *model.Model) (*Listing, error) {
	l := &Listing{}
	names := make([]string, m.OperationCount())
	for i := range names {
		op := m.Operation(model.OpID(i))
		names[i] = op.Name()
		rec, err := serializeOperation(op.Name(), op)
		if err != nil {
			return nil, err
		}
		l.Ops = append(l.Ops, rec)
	}
	for _, c := range m.AllConnections() {
		l.Connections = append(l.Connections, ConnectionRecord{
			From:       names[c.Src],
			To:         names[c.Dest],
			FromOutput: c.Output,
			ToInput:    c.Input,
			Shuffle:    c.Shuffle,
		})
	}
	return l, nil
}

func serializeOperation(name string, op nnets.Operation) (OpRecord, error) {
	fields := op.Serialize()
	rec := OpRecord{Name: name}
	switch fields["type"] {
	case "Conv2D":
		rec.Type = TypeConv2D
		rec.Padding = fields["padding"]
		rec.Activation = fields["activation"]
		rec.Groups, _ = strconv.Atoi(fields["groups"])
		rec.Stride, _ = strconv.Atoi(fields["stride"])
		rec.KernelSize, _ = strconv.Atoi(fields["kernel"])
		rec.InputChannels, _ = strconv.Atoi(fields["input"])
		rec.OutputChannels, _ = strconv.Atoi(fields["output"])
		bias := fields["bias"] == "true"
		rec.UseBias = &bias
	case "Pooling2D":
		rec.Type = TypePooling2D
		rec.Operator = fields["op"]
		rec.Size, _ = strconv.Atoi(fields["size"])
		rec.Stride, _ = strconv.Atoi(fields["stride"])
		rec.Padding = fields["padding"]
	case "Dense":
		rec.Type = TypeDense
		rec.OutputDims, _ = strconv.Atoi(fields["output"])
		bias := fields["bias"] == "true"
		rec.UseBias = &bias
	case "ImageSampler":
		rec.Type = TypeImageSampler
		rec.OutputWidth, _ = strconv.Atoi(fields["width"])
		rec.OutputHeight, _ = strconv.Atoi(fields["height"])
		cc := fields["centerCrop"] == "true"
		rec.CenterCrop = &cc
		li := fields["linear"] == "true"
		rec.LinearInterp = &li
	case "Softmax":
		rec.Type = TypeSoftmax
	default:
		return OpRecord{}, fmt.Errorf("serialize: unknown operation kind %q for %q", fields["type"], name)
	}
	return rec, nil
}
