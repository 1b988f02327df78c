//go:build profile

package prof

import (
	"errors"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"sync"
)

// Profiling errors.
var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an unknown profile, or the CPU profile
	// passed where a snapshot is expected.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Enabled reports whether the binary was built with the "profile" tag.
const Enabled = true

var (
	cpuMu   sync.Mutex
	cpuFile *os.File
	cpuOn   bool
)

// Register installs the /debug/pprof/ handlers on mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// StartCPU starts CPU profiling into the file at path. The returned function
// stops profiling and closes the file.
func StartCPU(path string) (func(), error) {
	cpuMu.Lock()
	defer cpuMu.Unlock()

	if cpuOn {
		return nil, ErrCPUProfileActive
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := rpprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, err
	}
	cpuFile, cpuOn = f, true
	return stopCPU, nil
}

func stopCPU() {
	cpuMu.Lock()
	defer cpuMu.Unlock()

	if !cpuOn {
		return
	}
	rpprof.StopCPUProfile()
	cpuFile.Close()
	cpuFile, cpuOn = nil, false
}

// CPUActive reports whether a CPU profile is being written.
func CPUActive() bool {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	return cpuOn
}

// WriteTo writes a snapshot of profile to w. debug selects the format: 0 for
// protobuf, 1 for text.
func WriteTo(profile Profile, w io.Writer, debug int) error {
	if profile == ProfileCPU {
		return ErrInvalidProfile
	}
	p := rpprof.Lookup(string(profile))
	if p == nil {
		return ErrInvalidProfile
	}
	return p.WriteTo(w, debug)
}

// Write writes a protobuf snapshot of profile to the file at path.
func Write(profile Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTo(profile, f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// SetContention enables the block and mutex profiles at rate (0 disables
// both). Lock contention between the interrupt handler and ring producers
// shows up here.
func SetContention(rate int) {
	runtime.SetBlockProfileRate(rate)
	runtime.SetMutexProfileFraction(rate)
}
