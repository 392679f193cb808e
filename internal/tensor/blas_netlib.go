//go:build cgo && netlib

package tensor

// Registers the netlib BLAS implementation, which calls into system BLAS
// (Accelerate on macOS, OpenBLAS on Linux). Needs cgo and a BLAS to link.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Msg("CGO/BLAS acceleration enabled (netlib)")
}
