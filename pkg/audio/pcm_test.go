package audio

import (
	"math"
	"testing"
)

func TestEncodePCM16_ClampsOutOfRange(t *testing.T) {
	t.Parallel()

	out := EncodePCM16([]float32{0, 1, -1, 2.5, -2.5})
	samples := DecodePCM16(out)
	if len(samples) != 5 {
		t.Fatalf("len=%d", len(samples))
	}
	if samples[0] != 0 {
		t.Fatalf("samples[0]=%v", samples[0])
	}
	if samples[1] != 1 || samples[3] != 1 {
		t.Fatalf("positive clamp: %v %v", samples[1], samples[3])
	}
	// -1 and -2.5 both encode to -32767 with symmetric scaling.
	if samples[2] != -1 || samples[4] != -1 {
		t.Fatalf("negative clamp: %v %v", samples[2], samples[4])
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	t.Parallel()

	in := []float32{0, 0.25, -0.25, 0.5, -0.5, 0.99, -0.99}
	got := DecodePCM16(EncodePCM16(in))
	for i := range in {
		if diff := math.Abs(float64(got[i] - in[i])); diff > 1.0/math.MaxInt16 {
			t.Fatalf("sample %d: got %v want %v (diff %v)", i, got[i], in[i], diff)
		}
	}
}

func TestDecodePCM16_IgnoresTrailingByte(t *testing.T) {
	t.Parallel()

	if got := DecodePCM16([]byte{0x00, 0x40, 0xff}); len(got) != 1 {
		t.Fatalf("len=%d, want 1", len(got))
	}
}

func TestCaptureErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		msg   string
		fatal bool
	}{
		{"miniaudio: access denied", true},
		{"miniaudio: no device", true},
		{"miniaudio: device busy", false},
		{"miniaudio: out of memory", false},
	}
	for _, tc := range cases {
		err := classifyCaptureError(errString(tc.msg))
		if got := IsFatalAcquisition(err); got != tc.fatal {
			t.Fatalf("%q: fatal=%v, want %v", tc.msg, got, tc.fatal)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
