package rudp

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	payload := make([]byte, 321)
	rng.Read(payload)
	pkt := NewData(1000, 2000, 16, payload)
	if len(pkt) != HeaderSize+len(payload) {
		t.Fatalf("packet length %d, want %d", len(pkt), HeaderSize+len(payload))
	}
	frm, err := NewFrame(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if err := frm.ValidateSize(); err != nil {
		t.Fatal(err)
	}
	if frm.Seq() != 1000 || frm.Ack() != 2000 {
		t.Errorf("seq/ack = %d/%d, want 1000/2000", frm.Seq(), frm.Ack())
	}
	if !frm.Flags().HasAll(FlagDATA | FlagACK) {
		t.Errorf("flags = %s, want DATA|ACK", frm.Flags())
	}
	if frm.WindowSize() != 16 {
		t.Errorf("wnd = %d, want 16", frm.WindowSize())
	}
	if int(frm.PayloadLength()) != len(payload) {
		t.Errorf("len = %d, want %d", frm.PayloadLength(), len(payload))
	}
	if !bytes.Equal(frm.Payload(), payload) {
		t.Error("payload mismatch")
	}
	if !frm.ValidateChecksum() {
		t.Error("pristine packet failed checksum validation")
	}
}

func TestFrameChecksumBitFlip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	payload := make([]byte, 64)
	rng.Read(payload)
	pkt := NewData(1, 2, 8, payload)
	for bit := 0; bit < len(pkt)*8; bit++ {
		pkt[bit/8] ^= 1 << (bit % 8)
		frm, _ := NewFrame(pkt)
		if frm.ValidateSize() == nil && frm.ValidateChecksum() {
			t.Fatalf("bit flip at %d passed validation", bit)
		}
		pkt[bit/8] ^= 1 << (bit % 8)
	}
}

func TestFrameConstructors(t *testing.T) {
	cases := []struct {
		name  string
		pkt   []byte
		flags Flags
	}{
		{"syn", NewSYN(7, 32), FlagSYN},
		{"synack", NewSYNACK(7, 8, 32), FlagSYN | FlagACK},
		{"ack", NewACK(7, 8, 32, nil), FlagACK},
		{"fin", NewFIN(7, 8, 32), FlagFIN | FlagACK},
		{"rst", NewRST(7, 8), FlagRST},
		{"data", NewData(7, 8, 32, []byte("hi")), FlagDATA | FlagACK},
	}
	for _, c := range cases {
		frm, err := NewFrame(c.pkt)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if frm.Flags() != c.flags {
			t.Errorf("%s: flags %s, want %s", c.name, frm.Flags(), c.flags)
		}
		if !frm.ValidateChecksum() {
			t.Errorf("%s: bad checksum", c.name)
		}
	}
}

func TestNewFrameShortBuffer(t *testing.T) {
	_, err := NewFrame(make([]byte, HeaderSize-1))
	if err != ErrShortBuffer {
		t.Errorf("err = %v, want ErrShortBuffer", err)
	}
}

func TestNewDataOversizePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for payload > MSS")
		}
	}()
	NewData(0, 0, 0, make([]byte, MSS+1))
}

func TestFlagsString(t *testing.T) {
	if s := (FlagSYN | FlagACK).String(); s != "[SYN,ACK]" {
		t.Errorf("got %q", s)
	}
	if s := (FlagFIN | FlagRST | FlagDATA).String(); s != "[FIN,RST,DATA]" {
		t.Errorf("got %q", s)
	}
	if s := Flags(0).String(); s != "[]" {
		t.Errorf("got %q", s)
	}
}
