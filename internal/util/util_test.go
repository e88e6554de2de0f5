package util

import (
	"strings"
	"testing"

	"github.com/pterm/pterm"
)

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{5 * 1024 * 1024, " 5.0 MiB"},
	}

	for _, tc := range testCases {
		if got := formatBytes(tc.in); got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if len(formatBytes(tc.in)) != 8 {
			t.Errorf("formatBytes(%v) is not 8 chars wide", tc.in)
		}
	}
}

func TestFormatStats(t *testing.T) {
	got := formatStats(0, 2048, 3, 1, 2)
	if !strings.Contains(got, "Sessions:  3↑  1↓ (2 active)") {
		t.Fatalf("unexpected stats line: %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, ok := parseLevel(" DEBUG "); !ok || lvl != pterm.LogLevelDebug {
		t.Errorf("debug: got %v, %v", lvl, ok)
	}
	if _, ok := parseLevel(""); ok {
		t.Errorf("empty level must not override")
	}
	if _, ok := parseLevel("verbose"); ok {
		t.Errorf("unknown level must not override")
	}
}

func TestGenerateEndpointName(t *testing.T) {
	a, b := GenerateEndpointName(), GenerateEndpointName()
	if len(a) != 10 || len(b) != 10 {
		t.Fatalf("names must be 10 chars: %q %q", a, b)
	}
	if a == b {
		t.Fatalf("two generated names collided: %q", a)
	}
}

func TestGeneratePIN(t *testing.T) {
	pin := GeneratePIN(6)
	if len(pin) != 6 {
		t.Fatalf("pin length %d, want 6", len(pin))
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			t.Fatalf("pin has non-digit %q", pin)
		}
	}
}
