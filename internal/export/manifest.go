package export

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/samcharles93/qforge/internal/codegen"
	"github.com/samcharles93/qforge/internal/model"
	"github.com/samcharles93/qforge/pkg/quant"
)

// LayerRecord is the quantization outcome of one exported layer.
type LayerRecord struct {
	Index       uint32
	Name        string
	Kind        model.Kind
	Kernel      quant.Params
	BiasScale   float64
	KernelShape []uint32
	BiasShape   []uint32
}

// KernelSize is the number of kernel elements.
func (r LayerRecord) KernelSize() uint64 { return product(r.KernelShape) }

// BiasSize is the number of bias elements.
func (r LayerRecord) BiasSize() uint64 { return product(r.BiasShape) }

func product(shape []uint32) uint64 {
	n := uint64(1)
	for _, d := range shape {
		n *= uint64(d)
	}
	return n
}

// Manifest is the insertion-ordered set of records of one export run.
// Insertion order is authoritative: it fixes indices and file names.
type Manifest struct {
	InputScale float64

	records []LayerRecord
	byName  map[string]int
}

func NewManifest(inputScale float64) *Manifest {
	return &Manifest{
		InputScale: inputScale,
		byName:     make(map[string]int),
	}
}

// Add appends a record. Its index must equal the current length and its name
// must be new.
func (m *Manifest) Add(rec LayerRecord) error {
	if _, dup := m.byName[rec.Name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateLayer, rec.Name)
	}
	if int(rec.Index) != len(m.records) {
		return fmt.Errorf("%w: %q has index %d, next is %d", ErrIndexOrder, rec.Name, rec.Index, len(m.records))
	}
	if m.byName == nil {
		m.byName = make(map[string]int)
	}
	m.byName[rec.Name] = len(m.records)
	m.records = append(m.records, rec)
	return nil
}

func (m *Manifest) Len() int { return len(m.records) }

// Records returns a copy of the records in insertion order.
func (m *Manifest) Records() []LayerRecord {
	out := make([]LayerRecord, len(m.records))
	copy(out, m.records)
	return out
}

func (m *Manifest) Lookup(name string) (LayerRecord, bool) {
	i, ok := m.byName[name]
	if !ok {
		return LayerRecord{}, false
	}
	return m.records[i], true
}

func (m *Manifest) At(index int) (LayerRecord, bool) {
	if index < 0 || index >= len(m.records) {
		return LayerRecord{}, false
	}
	return m.records[index], true
}

func (m *Manifest) has(name string) bool {
	_, ok := m.byName[name]
	return ok
}

// CodegenLayers projects the manifest onto the views the source templates use.
func (m *Manifest) CodegenLayers() []codegen.Layer {
	out := make([]codegen.Layer, len(m.records))
	for i, r := range m.records {
		out[i] = codegen.Layer{
			Index:           r.Index,
			Name:            r.Name,
			KernelScale:     r.Kernel.Scale,
			KernelZeroPoint: r.Kernel.ZeroPoint,
			BiasScale:       r.BiasScale,
			KernelSize:      r.KernelSize(),
			BiasSize:        r.BiasSize(),
		}
	}
	return out
}

type manifestJSON struct {
	InputScale float64           `json:"input_scale"`
	Layers     []layerRecordJSON `json:"layers"`
}

type layerRecordJSON struct {
	Index           uint32   `json:"index"`
	Name            string   `json:"name"`
	Kind            string   `json:"kind"`
	KernelScale     float64  `json:"kernel_scale"`
	KernelZeroPoint int32    `json:"kernel_zero_point"`
	BiasScale       float64  `json:"bias_scale"`
	KernelShape     []uint32 `json:"kernel_shape"`
	BiasShape       []uint32 `json:"bias_shape"`
	KernelFile      string   `json:"kernel_file"`
	BiasFile        string   `json:"bias_file"`
}

func (m *Manifest) MarshalJSON() ([]byte, error) {
	doc := manifestJSON{InputScale: m.InputScale, Layers: make([]layerRecordJSON, len(m.records))}
	for i, r := range m.records {
		doc.Layers[i] = layerRecordJSON{
			Index:           r.Index,
			Name:            r.Name,
			Kind:            r.Kind.String(),
			KernelScale:     r.Kernel.Scale,
			KernelZeroPoint: r.Kernel.ZeroPoint,
			BiasScale:       r.BiasScale,
			KernelShape:     r.KernelShape,
			BiasShape:       r.BiasShape,
			KernelFile:      codegen.KernelFile(r.Index),
			BiasFile:        codegen.BiasFile(r.Index),
		}
	}
	return json.Marshal(doc)
}

// UnmarshalJSON rebuilds a manifest, re-checking index density and name
// uniqueness.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var doc manifestJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	fresh := NewManifest(doc.InputScale)
	for _, l := range doc.Layers {
		err := fresh.Add(LayerRecord{
			Index:       l.Index,
			Name:        l.Name,
			Kind:        model.ParseKind(l.Kind),
			Kernel:      quant.Params{Scale: l.KernelScale, ZeroPoint: l.KernelZeroPoint},
			BiasScale:   l.BiasScale,
			KernelShape: l.KernelShape,
			BiasShape:   l.BiasShape,
		})
		if err != nil {
			return err
		}
	}
	*m = *fresh
	return nil
}
