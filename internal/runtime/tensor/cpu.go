package tensor

import (
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// CPUFeatures lists the SIMD extensions detected on the host. The kernels in
// this package are portable Go; the list is surfaced by `moshi health` and
// `moshi bench` so throughput numbers can be compared across machines.
func CPUFeatures() []string {
	var out []string

	switch runtime.GOARCH {
	case "amd64":
		add := func(ok bool, name string) {
			if ok {
				out = append(out, name)
			}
		}
		add(cpu.X86.HasSSE41, "sse4.1")
		add(cpu.X86.HasAVX, "avx")
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasFMA, "fma")
		add(cpu.X86.HasAVX512F, "avx512f")
	case "arm64":
		if cpu.ARM64.HasASIMD {
			out = append(out, "neon")
		}

		if cpu.ARM64.HasFPHP {
			out = append(out, "fp16")
		}
	}

	return out
}

// CPUSummary is CPUFeatures joined for log lines; "generic" when none.
func CPUSummary() string {
	f := CPUFeatures()
	if len(f) == 0 {
		return runtime.GOARCH + "/generic"
	}

	return runtime.GOARCH + "/" + strings.Join(f, ",")
}
