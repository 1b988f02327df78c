package uio

import (
	"errors"
	"os"
	"path"
	"strconv"
	"testing"

	"github.com/spf13/afero"

	"github.com/ardnew/xhci/pkg"
)

const testRoot = "/sys/class/uio"

func writeMap(t *testing.T, fs afero.Fs, index, k int, attrs map[string]string) {
	t.Helper()
	dir := path.Join(testRoot, "uio"+strconv.Itoa(index), "maps", "map"+strconv.Itoa(k))
	if err := fs.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	for name, v := range attrs {
		if err := afero.WriteFile(fs, path.Join(dir, name), []byte(v+"\n"), 0444); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
	}
}

// =============================================================================
// Sysfs Tests
// =============================================================================

func TestReadMaps(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMap(t, fs, 0, 0, map[string]string{
		"addr": "0xfe9f0000", "size": "0x10000", "offset": "0x0", "name": "xhci-regs",
	})
	writeMap(t, fs, 0, 1, map[string]string{
		"addr": "0x3e000000", "size": "0x200000", "offset": "0x40",
	})
	// Stray entries are ignored.
	afero.WriteFile(fs, path.Join(testRoot, "uio0", "maps", "README"), nil, 0444)

	maps, err := ReadMaps(fs, testRoot, 0)
	if err != nil {
		t.Fatalf("ReadMaps: %v", err)
	}
	if len(maps) != 2 {
		t.Fatalf("len(maps) = %d, want 2", len(maps))
	}

	tests := []struct {
		got, want Map
	}{
		{maps[0], Map{Index: 0, Name: "xhci-regs", Addr: 0xfe9f0000, Size: 0x10000}},
		{maps[1], Map{Index: 1, Addr: 0x3e000000, Size: 0x200000, Offset: 0x40}},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("map = %+v, want %+v", tt.got, tt.want)
		}
	}
}

func TestReadMaps_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, fs afero.Fs)
		want  error
	}{
		{
			name:  "missing device",
			setup: func(t *testing.T, fs afero.Fs) {},
		},
		{
			name: "no maps",
			setup: func(t *testing.T, fs afero.Fs) {
				fs.MkdirAll(path.Join(testRoot, "uio0", "maps"), 0755)
			},
			want: pkg.ErrNotSupported,
		},
		{
			name: "zero size",
			setup: func(t *testing.T, fs afero.Fs) {
				writeMap(t, fs, 0, 0, map[string]string{"addr": "0x1000", "size": "0"})
			},
			want: pkg.ErrInvalidParameter,
		},
		{
			name: "missing size",
			setup: func(t *testing.T, fs afero.Fs) {
				writeMap(t, fs, 0, 0, map[string]string{"addr": "0x1000"})
			},
		},
		{
			name: "malformed addr",
			setup: func(t *testing.T, fs afero.Fs) {
				writeMap(t, fs, 0, 0, map[string]string{"addr": "bogus", "size": "0x1000"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			tt.setup(t, fs)
			_, err := ReadMaps(fs, testRoot, 0)
			if err == nil {
				t.Fatal("ReadMaps succeeded, want error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("ReadMaps error = %v, want %v", err, tt.want)
			}
		})
	}
}

// =============================================================================
// Open Tests
// =============================================================================

func TestOpen_ConfigErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMap(t, fs, 2, 0, map[string]string{"addr": "0xfe9f0000", "size": "0x10000"})

	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"same map", Config{Index: 2, RegisterMap: 0, DMAMap: 0, Fs: fs}, pkg.ErrInvalidParameter},
		{"missing DMA map", Config{Index: 2, RegisterMap: 0, DMAMap: 1, Fs: fs}, pkg.ErrNotSupported},
		{"missing register map", Config{Index: 2, RegisterMap: 3, DMAMap: 0, Fs: fs}, pkg.ErrNotSupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.cfg)
			if !errors.Is(err, tt.want) {
				t.Errorf("Open() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RegisterMap == cfg.DMAMap {
		t.Error("default register and DMA maps are equal")
	}
	cfg.fill()
	if cfg.Fs == nil {
		t.Error("fill() left Fs nil")
	}
	if cfg.SysfsRoot != DefaultSysfsRoot || cfg.DevRoot != DefaultDevRoot {
		t.Errorf("roots = %q %q", cfg.SysfsRoot, cfg.DevRoot)
	}
}

// =============================================================================
// Device Tests
// =============================================================================

func TestDevice_CloseTwice(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "uio")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	d := &Device{file: f, done: make(chan struct{})}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := d.Disable(0); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("Disable after Close error = %v, want ErrInvalidState", err)
	}
}
