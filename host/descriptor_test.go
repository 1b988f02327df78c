package host

import (
	"errors"
	"testing"

	"github.com/ardnew/xhci/pkg"
)

// =============================================================================
// Descriptor Parsing Tests
// =============================================================================

func TestParseDeviceDescriptor(t *testing.T) {
	valid := []byte{
		18, 0x01, 0x00, 0x02, 0xef, 0x02, 0x01, 64,
		0x34, 0x12, 0x78, 0x56, 0x01, 0x02, 1, 2, 3, 1,
	}

	d, err := ParseDeviceDescriptor(valid)
	if err != nil {
		t.Fatalf("ParseDeviceDescriptor: %v", err)
	}
	want := DeviceDescriptor{
		USBVersion:        0x0200,
		DeviceClass:       0xef,
		DeviceSubClass:    0x02,
		DeviceProtocol:    0x01,
		MaxPacketSize0:    64,
		VendorID:          0x1234,
		ProductID:         0x5678,
		DeviceVersion:     0x0201,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		SerialNumberIndex: 3,
		NumConfigurations: 1,
	}
	if d != want {
		t.Errorf("ParseDeviceDescriptor() = %+v, want %+v", d, want)
	}

	wrongType := append([]byte(nil), valid...)
	wrongType[1] = 0x02
	for name, data := range map[string][]byte{
		"short":      valid[:17],
		"empty":      nil,
		"wrong type": wrongType,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseDeviceDescriptor(data); !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("error = %v, want ErrInvalidParameter", err)
			}
		})
	}
}

func TestParseConfigurationDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    ConfigurationDescriptor
		wantErr bool
	}{
		{
			name: "valid",
			data: []byte{9, 0x02, 0x20, 0x00, 1, 1, 0, 0x80, 50},
			want: ConfigurationDescriptor{
				TotalLength:        32,
				NumInterfaces:      1,
				ConfigurationValue: 1,
				Attributes:         0x80,
				MaxPower:           50,
			},
		},
		{name: "short", data: []byte{9, 0x02, 0x20, 0x00}, wantErr: true},
		{name: "device descriptor", data: []byte{9, 0x01, 0, 0, 0, 0, 0, 0, 0}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConfigurationDescriptor(tt.data)
			if tt.wantErr {
				if !errors.Is(err, pkg.ErrInvalidParameter) {
					t.Errorf("error = %v, want ErrInvalidParameter", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseInterfaceDescriptor(t *testing.T) {
	got, err := ParseInterfaceDescriptor([]byte{9, 0x04, 2, 1, 3, 0x0a, 0x00, 0x00, 4})
	if err != nil {
		t.Fatalf("ParseInterfaceDescriptor: %v", err)
	}
	want := InterfaceDescriptor{
		InterfaceNumber:  2,
		AlternateSetting: 1,
		NumEndpoints:     3,
		InterfaceClass:   0x0a,
		InterfaceIndex:   4,
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	if _, err := ParseInterfaceDescriptor([]byte{7, 0x05, 0x81, 2, 0, 2, 0}); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("endpoint descriptor accepted, error = %v", err)
	}
}

func TestParseInterfaces(t *testing.T) {
	tests := []struct {
		name   string
		config []byte
		want   []uint8 // interface number << 4 | alternate setting
	}{
		{"test configuration", testConfiguration, []uint8{0x00, 0x01}},
		{"header only", testConfiguration[:9], nil},
		{"truncated interface", testConfiguration[:14], nil},
		{"zero length", []byte{9, 0x02, 9, 0, 0, 1, 0, 0x80, 50, 0, 0x04}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseInterfaces(tt.config)
			if len(got) != len(tt.want) {
				t.Fatalf("parseInterfaces() returned %d interfaces, want %d", len(got), len(tt.want))
			}
			for i, iface := range got {
				if key := iface.InterfaceNumber<<4 | iface.AlternateSetting; key != tt.want[i] {
					t.Errorf("interface %d = %d/%d", i, iface.InterfaceNumber, iface.AlternateSetting)
				}
			}
		})
	}
}

func TestDecodeString(t *testing.T) {
	tests := []struct {
		name string
		desc []byte
		want string
	}{
		{"ascii", []byte{8, 0x03, 'U', 0, 'S', 0, 'B', 0}, "USB"},
		{"bmp", []byte{4, 0x03, 0xac, 0x20}, "€"},
		{"length shorter than buffer", []byte{4, 0x03, 'a', 0, 'b', 0}, "a"},
		{"length longer than buffer", []byte{10, 0x03, 'a', 0}, "a"},
		{"odd trailing byte", []byte{5, 0x03, 'a', 0, 'b'}, "a"},
		{"header only", []byte{2, 0x03}, ""},
		{"zero length", []byte{0, 0x03, 'a', 0}, ""},
		{"one byte", []byte{1}, ""},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodeString(tt.desc); got != tt.want {
				t.Errorf("decodeString(%v) = %q, want %q", tt.desc, got, tt.want)
			}
		})
	}
}

func TestDeviceState_String(t *testing.T) {
	tests := []struct {
		state DeviceState
		want  string
	}{
		{DeviceStateDetached, "Detached"},
		{DeviceStateAddress, "Address"},
		{DeviceStateConfigured, "Configured"},
		{DeviceState(9), "DeviceState(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("DeviceState(%d).String() = %q, want %q", uint8(tt.state), got, tt.want)
		}
	}
}
