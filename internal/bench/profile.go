package bench

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/example/go-moshi/internal/perf"
)

// Profile writes a CPU profile to path while fn runs. Stage events are
// turned into pprof "stage" labels so the profile splits by stage.
func Profile(ctx context.Context, path string, fn func(perf.Hook) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create cpuprofile: %w", err)
	}
	defer f.Close()

	if err := pprof.StartCPUProfile(f); err != nil {
		return fmt.Errorf("start cpuprofile: %w", err)
	}

	runErr := fn(perf.LabelHook(ctx))

	pprof.StopCPUProfile()

	return runErr
}
