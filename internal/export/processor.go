package export

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/qforge/internal/logger"
	"github.com/samcharles93/qforge/internal/model"
	"github.com/samcharles93/qforge/internal/tensor"
	"github.com/samcharles93/qforge/pkg/quant"
)

// Options tune one processing run.
type Options struct {
	// InputScale is the activation scale folded into every bias scale.
	// Zero means quant.DefaultInputScale.
	InputScale float64

	// KeepGoing continues past a layer whose blobs failed to write. The failed
	// layer gets no index and all write errors are returned joined. Input and
	// overflow errors stay fatal.
	KeepGoing bool
}

func (o Options) inputScale() float64 {
	if o.InputScale == 0 {
		return quant.DefaultInputScale
	}
	return o.InputScale
}

// Processor walks a model's layers in order, quantizes the convolution-like
// ones and hands their blobs to a BlobWriter.
type Processor struct {
	blobs BlobWriter
	opts  Options
}

func NewProcessor(blobs BlobWriter, opts Options) *Processor {
	return &Processor{blobs: blobs, opts: opts}
}

// quantized is one layer ready to be written.
type quantized struct {
	record LayerRecord
	kernel quant.KernelTensor
	bias   quant.BiasTensor
}

// Process quantizes layers in traversal order and returns the manifest built
// so far together with any error. Only layers whose blobs were both written
// are in the manifest.
func (p *Processor) Process(ctx context.Context, layers []model.Layer) (*Manifest, error) {
	log := logger.FromContext(ctx)
	inputScale := p.opts.inputScale()
	if !(inputScale > 0) || math.IsInf(inputScale, 0) {
		return nil, fmt.Errorf("input scale must be positive and finite, got %g", inputScale)
	}

	m := NewManifest(inputScale)
	var writeErrs []error
	for pos, layer := range layers {
		if err := ctx.Err(); err != nil {
			return m, err
		}
		if !layer.Kind.ConvLike() {
			log.Debug("skipping layer", "layer", layer.Name, "kind", layer.Kind)
			continue
		}
		if _, ok := layer.Kernel(); !ok {
			log.Debug("skipping layer without weights", "layer", layer.Name)
			continue
		}
		if m.has(layer.Name) {
			return m, &LayerError{Position: pos, Name: layer.Name, Op: "register", Err: ErrDuplicateLayer}
		}

		q, err := quantizeLayer(uint32(m.Len()), layer, inputScale)
		if err != nil {
			return m, &LayerError{Position: pos, Name: layer.Name, Op: "quantize", Err: err}
		}

		if err := p.write(q); err != nil {
			lerr := &LayerError{Position: pos, Name: layer.Name, Op: "write", Err: err}
			if !p.opts.KeepGoing {
				return m, lerr
			}
			log.Error("layer write failed, continuing", "layer", layer.Name, "error", err)
			writeErrs = append(writeErrs, lerr)
			continue
		}

		if err := m.Add(q.record); err != nil {
			return m, &LayerError{Position: pos, Name: layer.Name, Op: "register", Err: err}
		}
		log.Info("quantized layer",
			"index", q.record.Index,
			"layer", layer.Name,
			"kind", layer.Kind,
			"kernel_shape", q.record.KernelShape,
			"scale", q.record.Kernel.Scale,
			"zero_point", q.record.Kernel.ZeroPoint,
		)
	}
	return m, errors.Join(writeErrs...)
}

func (p *Processor) write(q quantized) error {
	if err := p.blobs.WriteKernel(q.record.Index, q.kernel.Data); err != nil {
		return err
	}
	return p.blobs.WriteBias(q.record.Index, q.bias.Data)
}

// quantizeLayer validates shapes, synthesizes a zero bias when the layer has
// none, and quantizes both tensors. Nothing is written here.
func quantizeLayer(index uint32, layer model.Layer, inputScale float64) (quantized, error) {
	kernel, _ := layer.Kernel()
	if err := kernel.Validate(); err != nil {
		return quantized{}, fmt.Errorf("kernel: %w", err)
	}
	outCh := kernel.LastDim()

	bias, ok := layer.Bias()
	if !ok {
		var err error
		if bias, err = tensor.Zeros(outCh); err != nil {
			return quantized{}, fmt.Errorf("bias: %w", err)
		}
	}
	if err := bias.Validate(); err != nil {
		return quantized{}, fmt.Errorf("bias: %w", err)
	}
	if bias.Len() != outCh {
		return quantized{}, fmt.Errorf("%w: bias has %d values, kernel shape %v has %d output channels",
			ErrShapeMismatch, bias.Len(), kernel.Shape, outCh)
	}

	kq, err := quant.QuantizeKernel(kernel.Shape, kernel.Data)
	if err != nil {
		return quantized{}, fmt.Errorf("kernel: %w", err)
	}
	bq, err := quant.QuantizeBias(bias.Shape, bias.Data, kq.Params.Scale, inputScale)
	if err != nil {
		return quantized{}, fmt.Errorf("bias: %w", err)
	}

	kernelShape, err := shapeU32(kernel.Shape)
	if err != nil {
		return quantized{}, fmt.Errorf("kernel: %w", err)
	}
	biasShape, err := shapeU32(bias.Shape)
	if err != nil {
		return quantized{}, fmt.Errorf("bias: %w", err)
	}
	return quantized{
		record: LayerRecord{
			Index:       index,
			Name:        layer.Name,
			Kind:        layer.Kind,
			Kernel:      kq.Params,
			BiasScale:   bq.Scale,
			KernelShape: kernelShape,
			BiasShape:   biasShape,
		},
		kernel: kq,
		bias:   bq,
	}, nil
}

func shapeU32(shape []int) ([]uint32, error) {
	out := make([]uint32, len(shape))
	for i, d := range shape {
		if d <= 0 || uint64(d) > math.MaxUint32 {
			return nil, fmt.Errorf("dim %d out of range", d)
		}
		out[i] = uint32(d)
	}
	return out, nil
}
