package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Description lists a model's layers in traversal order and maps each to the
// tensors holding its kernel and bias.
//
//	weights: mobilenet.safetensors
//	layers:
//	  - name: conv1
//	    kind: conv2d
//	    kernel: conv1/kernel
//	    bias: conv1/bias
//	  - name: conv1_relu
//	    kind: relu
type Description struct {
	Weights string      `yaml:"weights"`
	Layers  []LayerDesc `yaml:"layers"`

	// dir is the directory of the description file; relative Weights paths
	// resolve against it.
	dir string
}

type LayerDesc struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Kernel string `yaml:"kernel,omitempty"`
	Bias   string `yaml:"bias,omitempty"`
}

// LoadDescription reads and validates a YAML layer description.
func LoadDescription(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := ParseDescription(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d.dir = filepath.Dir(path)
	return d, nil
}

// ParseDescription decodes a description held in memory.
func ParseDescription(data []byte) (*Description, error) {
	var d Description
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse layer description: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks names are present and unique and that no layer has a bias
// without a kernel.
func (d *Description) Validate() error {
	if len(d.Layers) == 0 {
		return errors.New("layer description has no layers")
	}
	seen := make(map[string]struct{}, len(d.Layers))
	for i, l := range d.Layers {
		if strings.TrimSpace(l.Name) == "" {
			return fmt.Errorf("layer %d: missing name", i)
		}
		if _, dup := seen[l.Name]; dup {
			return fmt.Errorf("layer %d: duplicate name %q", i, l.Name)
		}
		seen[l.Name] = struct{}{}
		if l.Bias != "" && l.Kernel == "" {
			return fmt.Errorf("layer %q: bias without kernel", l.Name)
		}
	}
	return nil
}

// WeightsPath resolves the weights reference against the description file.
func (d *Description) WeightsPath() string {
	w := strings.TrimSpace(d.Weights)
	if w == "" || isURL(w) || filepath.IsAbs(w) || d.dir == "" {
		return w
	}
	return filepath.Join(d.dir, w)
}

func isURL(p string) bool {
	return strings.Contains(p, "://")
}
