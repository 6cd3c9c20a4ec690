package tunnel

import (
	"sync"
	"testing"

	"github.com/prep/socketpair"
)

func TestStreamCodecRoundTrip(t *testing.T) {
	a, b, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair.New failed: %s", err)
	}
	defer a.Close()
	defer b.Close()

	payloads := [][]byte{
		[]byte("hello"),
		{},
		make([]byte, 70000), // larger than 64 KiB, so it spans several socket reads
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, p := range payloads {
			if err := WriteFrame(a, p); err != nil {
				t.Errorf("WriteFrame failed: %s", err)
				return
			}
		}
	}()

	for i, want := range payloads {
		got, err := ReadFrame(b)
		if err != nil {
			t.Fatalf("ReadFrame #%d failed: %s", i, err)
		}
		if len(got) != len(want) {
			t.Fatalf("ReadFrame #%d length = %d, want %d", i, len(got), len(want))
		}
	}
	wg.Wait()
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	a, b, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair.New failed: %s", err)
	}
	defer a.Close()
	defer b.Close()

	var hdr [4]byte
	hdr[0] = 0xff // length field far larger than maxFrameSize
	if _, err := a.Write(hdr[:]); err != nil {
		t.Fatalf("write failed: %s", err)
	}

	if _, err := ReadFrame(b); err == nil {
		t.Fatalf("expected ReadFrame to reject an oversized length prefix")
	}
}
