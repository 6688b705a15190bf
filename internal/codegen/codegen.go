// Package codegen renders the C/C++ sources that accompany exported weight
// blobs: a parameter table header and a loader routine. Rendering is pure
// text templating over Layer views; it knows nothing about how the values
// were computed.
package codegen

import (
	"fmt"
	"io"
	"strings"
	"text/template"
)

const (
	HeaderFile = "quant_params.h"
	LoaderFile = "load_weights.cpp"

	// Element widths of the blobs as the native loader reads them.
	KernelElemBytes = 1
	BiasElemBytes   = 4
)

// Layer is the per-layer view the templates render.
type Layer struct {
	Index           uint32
	Name            string
	KernelScale     float64
	KernelZeroPoint int32
	BiasScale       float64
	KernelSize      uint64
	BiasSize        uint64
}

// KernelBytes is the byte count the loader reads for the kernel blob.
func (l Layer) KernelBytes() uint64 { return l.KernelSize * KernelElemBytes }

// BiasBytes is the byte count of the bias blob. The loader spells it as
// BiasSize * sizeof(int32_t).
func (l Layer) BiasBytes() uint64 { return l.BiasSize * BiasElemBytes }

// KernelFile and BiasFile name the blobs of the layer at index.
func KernelFile(index uint32) string { return fmt.Sprintf("layer_%d_kernel.bin", index) }
func BiasFile(index uint32) string   { return fmt.Sprintf("layer_%d_bias.bin", index) }

// fixed8 formats with exactly 8 decimals; the native side parses literals at
// this width.
func fixed8(v float64) string { return fmt.Sprintf("%.8f", v) }

// comment keeps a layer name on one line so it cannot escape the // comment.
func comment(name string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(name)
}

var funcs = template.FuncMap{
	"f8":         fixed8,
	"comment":    comment,
	"kernelFile": KernelFile,
	"biasFile":   BiasFile,
}

const headerText = `#ifndef QUANT_PARAMS_H
#define QUANT_PARAMS_H

#include <stdint.h>

// Quantization parameters for each layer
struct LayerQuantParams {
    float kernel_scale;
    int32_t kernel_zero_point;
    float bias_scale;
};

#define NUM_QUANTIZED_LAYERS {{len .}}

const LayerQuantParams LAYER_QUANT_PARAMS[] = {
{{- range .}}
    // {{comment .Name}}
    { {{- f8 .KernelScale}}f, {{.KernelZeroPoint}}, {{f8 .BiasScale}}f},
{{- end}}
};

#endif // QUANT_PARAMS_H
`

const loaderText = `#include <fstream>
#include <vector>
#include <string>
#include <stdint.h>

// Load quantized weights from binary files
bool load_quantized_weights(const std::string& weights_dir) {
{{- range .}}

    // Load {{comment .Name}}
    std::vector<int8_t> kernel_{{.Index}}({{.KernelSize}});
    std::vector<int32_t> bias_{{.Index}}({{.BiasSize}});

    std::ifstream kernel_file_{{.Index}}(weights_dir + "/{{kernelFile .Index}}", std::ios::binary);
    if (!kernel_file_{{.Index}}) return false;
    kernel_file_{{.Index}}.read((char*)kernel_{{.Index}}.data(), {{.KernelBytes}});
    kernel_file_{{.Index}}.close();

    std::ifstream bias_file_{{.Index}}(weights_dir + "/{{biasFile .Index}}", std::ios::binary);
    if (!bias_file_{{.Index}}) return false;
    bias_file_{{.Index}}.read((char*)bias_{{.Index}}.data(), {{.BiasSize}} * sizeof(int32_t));
    bias_file_{{.Index}}.close();
{{- end}}

    return true;
}
`

var (
	headerTmpl = template.Must(template.New(HeaderFile).Funcs(funcs).Parse(headerText))
	loaderTmpl = template.Must(template.New(LoaderFile).Funcs(funcs).Parse(loaderText))
)

// RenderHeader writes the parameter table; entries follow layers' order.
func RenderHeader(w io.Writer, layers []Layer) error {
	if err := checkOrder(layers); err != nil {
		return err
	}
	return headerTmpl.Execute(w, layers)
}

// RenderLoader writes the load_quantized_weights routine.
func RenderLoader(w io.Writer, layers []Layer) error {
	if err := checkOrder(layers); err != nil {
		return err
	}
	return loaderTmpl.Execute(w, layers)
}

// checkOrder rejects views whose indices are not 0..n-1 in order, since the
// header array is indexed positionally.
func checkOrder(layers []Layer) error {
	for i, l := range layers {
		if l.Index != uint32(i) {
			return fmt.Errorf("codegen: layer %q has index %d at position %d", l.Name, l.Index, i)
		}
	}
	return nil
}
