//go:build !gpu

package evidence

import (
	"fmt"
	"log/slog"
)

// NewRealSource reports that this build has no NVML support; it was
// compiled without the gpu build tag. Run with --test_no_gpu, or build
// with -tags gpu on a host with the NVIDIA Management Library installed.
func NewRealSource(_ *slog.Logger) (Source, error) {
	return nil, fmt.Errorf("this binary was built without GPU support (missing the \"gpu\" build tag)")
}
