// Package encoding packs chunk voxels for the observer stream.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"voxstream.dev/internal/sim/voxel"
)

// ChunkEncoding names the layout of EncodeChunk: voxel kinds in storage
// order (x fastest, then z, then y).
const ChunkEncoding = "RLE_UVARINT_B64"

// EncodeRLE encodes a sequence of voxel kinds into base64(uvarint pairs).
// The pairs are (kind, run_len) repeated.
func EncodeRLE(ids []uint16) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	i := 0
	for i < len(ids) {
		k := ids[i]
		run := 1
		for j := i + 1; j < len(ids) && ids[j] == k; j++ {
			run++
		}

		n := binary.PutUvarint(tmp[:], uint64(k))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])

		i += run
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeRLE reverses EncodeRLE. limit bounds the decoded length; zero means
// no bound.
func DecodeRLE(b64 string, limit int) ([]uint16, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	var out []uint16
	for i := 0; i < len(raw); {
		k, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if k > 0xFFFF {
			return nil, fmt.Errorf("kind too large: %d", k)
		}
		if run == 0 || (limit > 0 && uint64(len(out))+run > uint64(limit)) {
			return nil, fmt.Errorf("bad run length %d at %d", run, i)
		}
		for r := uint64(0); r < run; r++ {
			out = append(out, uint16(k))
		}
	}
	return out, nil
}

func EncodeChunk(c *voxel.Chunk) string {
	ids := make([]uint16, voxel.Volume)
	for i, v := range c.Voxels {
		ids[i] = uint16(v.Kind)
	}
	return EncodeRLE(ids)
}

func DecodeChunk(pos voxel.ChunkPos, b64 string) (*voxel.Chunk, error) {
	ids, err := DecodeRLE(b64, voxel.Volume)
	if err != nil {
		return nil, err
	}
	if len(ids) != voxel.Volume {
		return nil, fmt.Errorf("chunk has %d voxels, want %d", len(ids), voxel.Volume)
	}
	c := voxel.NewChunk(pos)
	for i, id := range ids {
		if id > 0xFF {
			return nil, fmt.Errorf("voxel %d: kind %d out of range", i, id)
		}
		c.Voxels[i] = voxel.Voxel{Kind: voxel.Kind(id)}
	}
	return c, nil
}
