package b64

import (
	"bytes"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abcd", "abcd"},
		{"ab-_", "ab+/"},
		{"abcde", "abcde==="},
		{"abcdef", "abcdef=="},
		{"  abcd \n", "abcd"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDecodeBothAlphabets(t *testing.T) {
	raw := []byte{0xfb, 0xef, 0xbe}

	tests := []struct {
		name string
		in   string
	}{
		{"standard alphabet", "++++"},
		{"url-safe alphabet", "----"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.in)
			if err != nil {
				t.Fatalf("Decode(%q): %v", tt.in, err)
			}
			if !bytes.Equal(got, raw) {
				t.Errorf("Decode(%q) = %x, want %x", tt.in, got, raw)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw := []byte("order confirmation %PDF-1.7 \x00\x01\x02")
	got, err := Decode(Encode(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("round trip = %x, want %x", got, raw)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode("not base64!!"); err == nil {
		t.Error("expected an error for invalid input")
	}
}
