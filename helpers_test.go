package docremedy

import (
	"io"
	"log/slog"
)

// testLogger keeps test output quiet while still exercising logging paths.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
