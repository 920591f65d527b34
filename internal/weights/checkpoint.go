package weights

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Checkpoint files are a flat sequence of named float32 tensors:
//
//	magic "BWYR" | uint32 version | uint32 count |
//	repeated: uint16 name length | name bytes | uint64 element count | float32 data
//
// Everything is little-endian. Names are the backbone's canonical parameter
// paths; the format carries no shape information, sizes are validated against
// the model on load.

const (
	checkpointMagic   = "BWYR"
	checkpointVersion = 1
)

// Save writes a state dict to path, names sorted for a stable layout.
func Save(path string, sd map[string][]float32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(checkpointMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(checkpointVersion)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(sd))); err != nil {
		return err
	}

	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if len(name) > 1<<16-1 {
			return fmt.Errorf("weights: tensor name too long: %q", name)
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(len(name))); err != nil {
			return err
		}
		if _, err := w.WriteString(name); err != nil {
			return err
		}
		data := sd[name]
		if err := binary.Write(w, binary.LittleEndian, uint64(len(data))); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, data); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// Load reads a state dict written by Save.
func Load(path string) (map[string][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	magic := make([]byte, len(checkpointMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("weights: reading header: %w", err)
	}
	if string(magic) != checkpointMagic {
		return nil, fmt.Errorf("weights: %s is not a checkpoint file", path)
	}

	var version, count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != checkpointVersion {
		return nil, fmt.Errorf("weights: unsupported checkpoint version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}

	sd := make(map[string][]float32, count)
	for i := uint32(0); i < count; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, err
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, err
		}
		var elems uint64
		if err := binary.Read(r, binary.LittleEndian, &elems); err != nil {
			return nil, err
		}
		data := make([]float32, elems)
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return nil, fmt.Errorf("weights: reading tensor %q: %w", name, err)
		}
		sd[string(name)] = data
	}
	return sd, nil
}

// AdapterOnly filters a state dict down to low-rank overlay tensors, for
// adapter-only checkpoints.
func AdapterOnly(sd map[string][]float32) map[string][]float32 {
	out := make(map[string][]float32)
	for name, data := range sd {
		if strings.Contains(name, ".lora_") {
			out[name] = data
		}
	}
	return out
}
