package archive

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestCompressFrame(t *testing.T) {
	text := bytes.Repeat([]byte("gridstore chunk payload "), 200)
	noise := make([]byte, 4096)
	rand.New(rand.NewSource(1)).Read(noise)

	tests := []struct {
		name  string
		codec Compression
		data  []byte
		want  Compression
	}{
		{"zstd text", CompressionZstd, text, CompressionZstd},
		{"lz4 text", CompressionLZ4, text, CompressionLZ4},
		{"none text", CompressionNone, text, CompressionNone},
		{"zstd noise falls back", CompressionZstd, noise, CompressionNone},
		{"lz4 noise falls back", CompressionLZ4, noise, CompressionNone},
		{"empty", CompressionZstd, nil, CompressionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, packed, err := compressFrame(tt.data, tt.codec)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("codec = %q, want %q", got, tt.want)
			}
			if got != CompressionNone && len(packed) >= len(tt.data) {
				t.Errorf("compressed %d bytes into %d", len(tt.data), len(packed))
			}
			out, err := decompressFrame(packed, got, len(tt.data))
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(out, tt.data) {
				t.Error("round trip changed the payload")
			}
		})
	}
}

func TestDecompressFrameChecksSize(t *testing.T) {
	_, packed, err := compressFrame(bytes.Repeat([]byte("a"), 100), CompressionZstd)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := decompressFrame(packed, CompressionZstd, 99); err == nil {
		t.Error("zstd size mismatch accepted")
	}
	if _, err := decompressFrame([]byte("abc"), CompressionNone, 4); err == nil {
		t.Error("stored size mismatch accepted")
	}
	if _, err := decompressFrame([]byte("abc"), "gzip", 3); err == nil {
		t.Error("unknown codec accepted")
	}
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{"": CompressionZstd, "none": CompressionNone, "lz4": CompressionLZ4, "zstd": CompressionZstd} {
		got, err := ParseCompression(in)
		if err != nil || got != want {
			t.Errorf("ParseCompression(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseCompression("brotli"); err == nil {
		t.Error("brotli accepted")
	}
}
