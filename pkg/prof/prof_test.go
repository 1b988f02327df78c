//go:build profile

package prof

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// =============================================================================
// CPU Profile Tests
// =============================================================================

func TestStartCPU(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpu.prof")

	stop, err := StartCPU(path)
	if err != nil {
		t.Fatalf("StartCPU() error = %v", err)
	}
	if !CPUActive() {
		t.Error("CPUActive() = false while profiling")
	}

	if _, err := StartCPU(filepath.Join(t.TempDir(), "second.prof")); !errors.Is(err, ErrCPUProfileActive) {
		t.Errorf("second StartCPU() error = %v, want %v", err, ErrCPUProfileActive)
	}

	stop()
	if CPUActive() {
		t.Error("CPUActive() = true after stop")
	}
	// Stopping twice is harmless.
	stop()

	if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
		t.Errorf("profile file: %v", err)
	}
}

func TestStartCPU_InvalidPath(t *testing.T) {
	stop, err := StartCPU("/nonexistent/directory/cpu.prof")
	if err == nil {
		stop()
		t.Fatal("StartCPU() error = nil for invalid path")
	}
	if CPUActive() {
		t.Error("CPUActive() = true after failed start")
	}
}

// =============================================================================
// Snapshot Tests
// =============================================================================

func TestWriteTo(t *testing.T) {
	tests := []struct {
		profile Profile
		err     error
	}{
		{ProfileHeap, nil},
		{ProfileAllocs, nil},
		{ProfileGoroutine, nil},
		{ProfileBlock, nil},
		{ProfileMutex, nil},
		{ProfileCPU, ErrInvalidProfile},
		{Profile("bogus"), ErrInvalidProfile},
	}
	for _, tt := range tests {
		t.Run(tt.profile.String(), func(t *testing.T) {
			var buf bytes.Buffer
			err := WriteTo(tt.profile, &buf, 0)
			if !errors.Is(err, tt.err) {
				t.Fatalf("WriteTo() error = %v, want %v", err, tt.err)
			}
			if err == nil && buf.Len() == 0 {
				t.Error("WriteTo() wrote nothing")
			}
		})
	}
}

func TestWriteTo_Text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTo(ProfileGoroutine, &buf, 1); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if !strings.Contains(buf.String(), "goroutine") {
		t.Error("text profile does not mention goroutines")
	}
}

func TestWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap.prof")
	if err := Write(ProfileHeap, path); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
		t.Errorf("heap profile: %v", err)
	}
	if err := Write(ProfileHeap, "/nonexistent/directory/heap.prof"); err == nil {
		t.Error("Write() error = nil for invalid path")
	}
}

// =============================================================================
// HTTP Tests
// =============================================================================

func TestRegister(t *testing.T) {
	mux := http.NewServeMux()
	Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/pprof/goroutine?debug=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestEnabled(t *testing.T) {
	if !Enabled {
		t.Error("Enabled = false with the profile tag")
	}
	SetContention(1)
	SetContention(0)
}
