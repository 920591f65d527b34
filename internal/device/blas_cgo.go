//go:build cgo

package device

// Registers the netlib BLAS implementation (Accelerate on macOS, OpenBLAS on
// Linux) for float32 routines when CGO is available. Without CGO, gonum's
// pure-Go implementation serves sgemm.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Msg("system BLAS registered for float32 kernels (netlib)")
}
