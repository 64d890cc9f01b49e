package rudp

import (
	"math/rand"
	"testing"
)

func TestChecksumKnownVectors(t *testing.T) {
	vectors := []struct {
		data string
		want uint32
	}{
		{"", 0x00000000},
		{"123456789", 0xCBF43926},
		{"a", 0xE8B7BE43},
		{"abc", 0x352441C2},
		{"The quick brown fox jumps over the lazy dog", 0x414FA339},
	}
	for _, v := range vectors {
		got := Checksum([]byte(v.data))
		if got != v.want {
			t.Errorf("Checksum(%q) = 0x%08X, want 0x%08X", v.data, got, v.want)
		}
	}
}

func TestChecksumStreaming(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := make([]byte, 1432)
	rng.Read(data)
	want := Checksum(data)
	var c CRC32
	for i := 0; i < len(data); i += 100 {
		end := min(i+100, len(data))
		c.Write(data[i:end])
	}
	if got := c.Sum32(); got != want {
		t.Errorf("streamed sum 0x%08X != one-shot 0x%08X", got, want)
	}
	c.Reset()
	c.Write(data)
	if got := c.Sum32(); got != want {
		t.Errorf("sum after reset 0x%08X != 0x%08X", got, want)
	}
}

func TestChecksumDetectsSingleBitFlips(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	data := make([]byte, 256)
	rng.Read(data)
	want := Checksum(data)
	for bit := 0; bit < len(data)*8; bit++ {
		data[bit/8] ^= 1 << (bit % 8)
		if Checksum(data) == want {
			t.Fatalf("bit flip at %d undetected", bit)
		}
		data[bit/8] ^= 1 << (bit % 8)
	}
}
