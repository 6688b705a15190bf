package api

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// LayerView is one manifest entry with the blob URLs a client needs.
type LayerView struct {
	Index           uint32   `json:"index"`
	Name            string   `json:"name"`
	Kind            string   `json:"kind"`
	KernelScale     float64  `json:"kernel_scale"`
	KernelZeroPoint int32    `json:"kernel_zero_point"`
	BiasScale       float64  `json:"bias_scale"`
	KernelShape     []uint32 `json:"kernel_shape"`
	BiasShape       []uint32 `json:"bias_shape"`
	KernelSize      uint64   `json:"kernel_size"`
	BiasSize        uint64   `json:"bias_size"`
	KernelURL       string   `json:"kernel_url"`
	BiasURL         string   `json:"bias_url"`
}

type KernelView struct {
	Index     uint32    `json:"index"`
	Shape     []uint32  `json:"shape"`
	Scale     float64   `json:"scale"`
	ZeroPoint int32     `json:"zero_point"`
	Codes     []int8    `json:"codes"`
	Values    []float64 `json:"values,omitempty"`
}

type BiasView struct {
	Index  uint32    `json:"index"`
	Shape  []uint32  `json:"shape"`
	Scale  float64   `json:"scale"`
	Codes  []int32   `json:"codes"`
	Values []float64 `json:"values,omitempty"`
}

type HealthView struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Dir     string `json:"dir"`
	Layers  int    `json:"layers"`
}
