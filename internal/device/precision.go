package device

import "fmt"

// Precision pairs the dtype parameters are materialized in with the dtype the
// backbone emits activations in. Both are threaded explicitly through model
// construction; there is no process-wide default dtype to mutate or restore.
type Precision struct {
	Param   DType
	Compute DType
}

// ParsePrecision maps the training-config precision names onto dtypes.
// Unknown names are a configuration error.
func ParsePrecision(name string) (Precision, error) {
	switch name {
	case "32":
		return Precision{Param: Float32, Compute: Float32}, nil
	case "bf16-true":
		return Precision{Param: BFloat16, Compute: BFloat16}, nil
	case "16-mixed":
		return Precision{Param: Float32, Compute: Float16}, nil
	case "bf16-mixed":
		return Precision{Param: Float32, Compute: BFloat16}, nil
	case "32-true":
		return Precision{Param: Float32, Compute: Float32}, nil
	default:
		return Precision{}, fmt.Errorf("invalid precision %q (want 32, 32-true, bf16-true, 16-mixed or bf16-mixed)", name)
	}
}
