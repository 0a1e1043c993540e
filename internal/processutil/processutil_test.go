package processutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalContextCancelFuncStopsWatching(t *testing.T) {
	ctx, cancel := SignalContext(context.Background(), os.Interrupt)
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatal("context canceled before any signal or cancel call")
	case <-time.After(10 * time.Millisecond):
	}

	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
