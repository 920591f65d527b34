package device

import "fmt"

// DType identifies the element type a tensor stores. Compute on CPU always
// happens in float32; half types are storage formats.
type DType int

const (
	Float32 DType = iota
	Float16
	BFloat16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "fp32"
	case Float16:
		return "fp16"
	case BFloat16:
		return "bf16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// Size returns the storage size of one element in bytes.
func (d DType) Size() int {
	if d == Float32 {
		return 4
	}
	return 2
}

// ParseDType maps a config string to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "fp32", "float32", "32":
		return Float32, nil
	case "fp16", "float16", "16":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	default:
		return Float32, fmt.Errorf("unsupported dtype: %q", s)
	}
}
