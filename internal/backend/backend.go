// Package backend defines the contract every compute backend implements.
package backend

// DeviceType identifies the kind of device a backend executes on.
type DeviceType int

const (
	DeviceTypeUnknown DeviceType = iota
	// DeviceTypeGPU is a hardware GPU.
	DeviceTypeGPU
	// DeviceTypeSoftware is a host-emulated compute device.
	DeviceTypeSoftware
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeGPU:
		return "gpu"
	case DeviceTypeSoftware:
		return "software"
	default:
		return "unknown"
	}
}

// MarshalText encodes the type by name.
func (t DeviceType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a name written by MarshalText. Unknown names decode
// to DeviceTypeUnknown.
func (t *DeviceType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "gpu":
		*t = DeviceTypeGPU
	case "software":
		*t = DeviceTypeSoftware
	default:
		*t = DeviceTypeUnknown
	}
	return nil
}

// Feature describes one optional device capability.
type Feature struct {
	Supported   bool   `json:"supported"`
	Description string `json:"description,omitempty"`
}

// Features maps a capability name to its support status.
type Features map[string]Feature

// IsSupported reports whether name is present and supported.
func (f Features) IsSupported(name string) bool {
	return f[name].Supported
}

// Backend performs numeric operations on float32 slices. Matrices are row
// major: Matmul multiplies an m x n matrix by an n x k matrix.
type Backend interface {
	Device() DeviceType
	// DeviceFLOPS is the theoretical throughput of the device in FLOP/s.
	DeviceFLOPS() float64

	Add(a, b []float32) ([]float32, error)
	Sub(a, b []float32) ([]float32, error)
	Multiply(a, b []float32) ([]float32, error)
	Div(a, b []float32) ([]float32, error)
	Matmul(a, b []float32, m, n, k int) ([]float32, error)

	Exp(a []float32) ([]float32, error)
	Log(a []float32) ([]float32, error)
	Pow(a []float32, power float32) ([]float32, error)
	Sqrt(a []float32) ([]float32, error)

	Sum(a []float32) (float32, error)
	Mean(a []float32) (float32, error)
}

// Device exposes static properties of the device behind a backend.
type Device interface {
	DeviceType() DeviceType
	Features() Features
}
