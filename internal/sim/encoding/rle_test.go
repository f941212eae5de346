package encoding

import (
	"testing"

	"voxstream.dev/internal/sim/voxel"
)

func TestRLE_RoundTrip(t *testing.T) {
	in := make([]uint16, 0, 200)
	in = append(in, 1, 1, 1, 2, 2, 3)
	for i := 0; i < 50; i++ {
		in = append(in, 7)
	}
	in = append(in, 9, 10, 10, 10)

	enc := EncodeRLE(in)
	out, err := DecodeRLE(enc, 0)
	if err != nil {
		t.Fatalf("DecodeRLE: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("mismatch at %d: got %d want %d", i, out[i], in[i])
		}
	}
}

func TestDecodeRLE_Limit(t *testing.T) {
	enc := EncodeRLE([]uint16{4, 4, 4, 4})
	if _, err := DecodeRLE(enc, 3); err == nil {
		t.Fatalf("run past limit accepted")
	}
	if _, err := DecodeRLE("!!", 0); err == nil {
		t.Fatalf("bad base64 accepted")
	}
}

func TestChunk_RoundTrip(t *testing.T) {
	pos := voxel.ChunkPos{X: -3, Z: 7}
	c := voxel.NewChunk(pos)
	for x := 0; x < voxel.SizeX; x++ {
		for z := 0; z < voxel.SizeZ; z++ {
			for y := 0; y < 20; y++ {
				c.Set(x, y, z, voxel.Voxel{Kind: voxel.Stone})
			}
			c.Set(x, 20, z, voxel.Voxel{Kind: voxel.Grass})
		}
	}
	c.Set(3, 21, 4, voxel.Voxel{Kind: voxel.Log})

	enc := EncodeChunk(c)
	got, err := DecodeChunk(pos, enc)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if got.Pos != pos {
		t.Fatalf("pos=%+v", got.Pos)
	}
	if got.Voxels != c.Voxels {
		t.Fatalf("voxels differ after round trip")
	}

	if _, err := DecodeChunk(pos, EncodeRLE([]uint16{0, 0})); err == nil {
		t.Fatalf("short chunk accepted")
	}
}
