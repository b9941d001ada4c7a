package frame

import (
	"bytes"
	"encoding/binary"
	"testing"

	"pgregory.net/rapid"
)

func TestAudio_EmitsUnitsAndRetainsRemainder(t *testing.T) {
	a := NewAudio(100, 16000, 1, false) // unitSize = 100*16000*1*2/1000 = 3200
	if a.UnitSize() != 3200 {
		t.Fatalf("unitSize = %d, want 3200", a.UnitSize())
	}

	total := 3200*3 + 123
	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i)
	}

	units, err := a.Push(data)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(units) != 3 {
		t.Fatalf("got %d units, want 3", len(units))
	}
	if a.Buffered() != 123 {
		t.Fatalf("buffered = %d, want 123", a.Buffered())
	}
	for i, u := range units {
		want := data[i*3200 : (i+1)*3200]
		if !bytes.Equal(u, want) {
			t.Fatalf("unit %d mismatch", i)
		}
	}
}

func TestAudio_AlignedModeRejectsMisalignedChunk(t *testing.T) {
	a := NewAudio(100, 16000, 1, true) // sampleAl = 2
	_, err := a.Push([]byte{1, 2, 3})  // 3 bytes, not a multiple of 2
	var alignErr *AlignmentError
	if err == nil {
		t.Fatal("expected alignment error")
	}
	if !isAlignmentErr(err, &alignErr) {
		t.Fatalf("expected *AlignmentError, got %T: %v", err, err)
	}
	if a.Buffered() != 0 {
		t.Fatalf("buffer should be cleared after misalignment, got %d bytes", a.Buffered())
	}
}

func isAlignmentErr(err error, target **AlignmentError) bool {
	if ae, ok := err.(*AlignmentError); ok {
		*target = ae
		return true
	}
	return false
}

func TestAudio_NormalModeAcceptsArbitraryChunks(t *testing.T) {
	a := NewAudio(100, 16000, 1, false)
	_, err := a.Push([]byte{1, 2, 3}) // odd length is fine outside aligned mode
	if err != nil {
		t.Fatalf("unexpected error in normal mode: %v", err)
	}
}

func buildPNG(extra ...byte) []byte {
	var buf bytes.Buffer
	buf.Write(pngSignature)
	writeChunk(&buf, "IHDR", []byte{0, 0, 0, 1, 0, 0, 0, 1, 8, 2, 0, 0, 0})
	if len(extra) > 0 {
		writeChunk(&buf, "IDAT", extra)
	} else {
		writeChunk(&buf, "IDAT", []byte{1, 2, 3})
	}
	writeChunk(&buf, "IEND", nil)
	return buf.Bytes()
}

func writeChunk(buf *bytes.Buffer, typ string, data []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.WriteString(typ)
	buf.Write(data)
	buf.Write([]byte{0, 0, 0, 0}) // fake CRC, walker doesn't validate it
}

func TestVideo_EmitsWholeImages(t *testing.T) {
	img1 := buildPNG()
	img2 := buildPNG(9, 8, 7, 6)
	stream := append(append([]byte{}, img1...), img2...)

	v := NewVideo(1 << 20)
	units, err := v.Push(stream)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if !bytes.Equal(units[0], img1) || !bytes.Equal(units[1], img2) {
		t.Fatal("emitted units do not match source images")
	}
	if v.Buffered() != 0 {
		t.Fatalf("buffered = %d, want 0", v.Buffered())
	}
}

func TestVideo_DiscardsPrefixBeforeSignature(t *testing.T) {
	img := buildPNG()
	garbage := []byte("garbage-prefix-not-a-png")
	v := NewVideo(1 << 20)
	units, err := v.Push(append(garbage, img...))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(units) != 1 || !bytes.Equal(units[0], img) {
		t.Fatal("expected single clean image after garbage prefix")
	}
}

func TestVideo_RandomChunkSplitsPreserveOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(t, "numImages")
		var full []byte
		var images [][]byte
		for i := 0; i < n; i++ {
			img := buildPNG(byte(i), byte(i + 1))
			images = append(images, img)
			full = append(full, img...)
		}

		v := NewVideo(1 << 20)
		var got [][]byte
		pos := 0
		for pos < len(full) {
			step := rapid.IntRange(1, 7).Draw(t, "step")
			end := pos + step
			if end > len(full) {
				end = len(full)
			}
			units, err := v.Push(full[pos:end])
			if err != nil {
				t.Fatalf("Push: %v", err)
			}
			got = append(got, units...)
			pos = end
		}

		if len(got) != len(images) {
			t.Fatalf("got %d units, want %d", len(got), len(images))
		}
		for i := range images {
			if !bytes.Equal(got[i], images[i]) {
				t.Fatalf("unit %d mismatch after random chunking", i)
			}
		}
	})
}

func TestVideo_OverflowRaisesCorrupted(t *testing.T) {
	v := NewVideo(16) // tiny cap
	incomplete := append([]byte{}, pngSignature...)
	incomplete = append(incomplete, []byte{0, 0, 0, 100}...) // claims 100-byte IHDR that never arrives
	incomplete = append(incomplete, []byte("IHDR")...)
	incomplete = append(incomplete, make([]byte, 20)...) // exceeds cap without completing

	_, err := v.Push(incomplete)
	if err != ErrCorrupted {
		t.Fatalf("err = %v, want ErrCorrupted", err)
	}
	if v.Buffered() != 0 {
		t.Fatalf("buffer should be cleared after overflow, got %d bytes", v.Buffered())
	}
}
