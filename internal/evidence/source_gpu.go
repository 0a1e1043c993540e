//go:build gpu

package evidence

import "log/slog"

// NewRealSource returns the NVML-backed Source this build was compiled
// with the gpu build tag to support.
func NewRealSource(log *slog.Logger) (Source, error) {
	return NewNVMLSource(log)
}
