package netem

import (
	"net"
	"testing"
	"time"
)

func pipePair(t *testing.T) (a, b net.PacketConn, baddr net.Addr) {
	t.Helper()
	a, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	b, err = net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b, b.LocalAddr()
}

func readOne(t *testing.T, pc net.PacketConn) ([]byte, bool) {
	t.Helper()
	buf := make([]byte, 64)
	pc.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

func TestDropNth(t *testing.T) {
	a, b, baddr := pipePair(t)
	c := New(a, Config{DropNth: 2})
	for i := byte(1); i <= 3; i++ {
		if _, err := c.WriteTo([]byte{i}, baddr); err != nil {
			t.Fatal(err)
		}
	}
	var got []byte
	for {
		p, ok := readOne(t, b)
		if !ok {
			break
		}
		got = append(got, p[0])
	}
	if string(got) != string([]byte{1, 3}) {
		t.Errorf("delivered %v, want [1 3]", got)
	}
	if c.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", c.Dropped())
	}
}

func TestSwapNth(t *testing.T) {
	a, b, baddr := pipePair(t)
	c := New(a, Config{SwapNth: 1})
	c.WriteTo([]byte{1}, baddr)
	c.WriteTo([]byte{2}, baddr)
	var got []byte
	for {
		p, ok := readOne(t, b)
		if !ok {
			break
		}
		got = append(got, p[0])
	}
	if string(got) != string([]byte{2, 1}) {
		t.Errorf("delivered %v, want [2 1]", got)
	}
}

func TestCorruptNthFlipsOneBit(t *testing.T) {
	a, b, baddr := pipePair(t)
	c := New(a, Config{Seed: 9, CorruptNth: 1})
	orig := []byte{0x00, 0x00, 0x00, 0x00}
	c.WriteTo(orig, baddr)
	p, ok := readOne(t, b)
	if !ok {
		t.Fatal("datagram not delivered")
	}
	diffBits := 0
	for i := range p {
		for bit := 0; bit < 8; bit++ {
			if (p[i]^orig[i])&(1<<bit) != 0 {
				diffBits++
			}
		}
	}
	if diffBits != 1 {
		t.Errorf("flipped %d bits, want exactly 1", diffBits)
	}
	if c.Corrupted() != 1 {
		t.Errorf("corrupted = %d, want 1", c.Corrupted())
	}
}
