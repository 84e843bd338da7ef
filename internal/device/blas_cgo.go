//go:build cgo && netlib

package device

// Registers the netlib BLAS implementation (Accelerate on macOS, OpenBLAS on
// Linux) for Linear. Build with -tags netlib on hosts with a system BLAS.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Msg("CGO/BLAS acceleration enabled (netlib)")
}
