package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/samcharles93/moegpt/internal/nn"
	"github.com/samcharles93/moegpt/internal/tensor"
)

// FormatName is recorded in the header metadata of every checkpoint.
const FormatName = "moegpt"

// SaveOptions controls how a parameter tree is written.
type SaveOptions struct {
	DType    DType
	Metadata map[string]string
}

// Save writes params to path in the safetensors layout: an 8-byte
// little-endian header length, a JSON header describing every tensor, then
// the tensor data in parameter order. The file is written to a temporary
// name and renamed into place.
func Save(path string, params *nn.Params, opts SaveOptions) (err error) {
	dtype := opts.DType
	if dtype == "" {
		dtype = F32
	}
	elem, err := dtype.size()
	if err != nil {
		return err
	}

	header := make(map[string]any, params.Len()+1)
	meta := map[string]string{
		"format": FormatName,
		"params": strconv.Itoa(params.Count()),
	}
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	header["__metadata__"] = meta

	var off int64
	params.Each(func(name string, t *tensor.Tensor) {
		n := int64(t.Len() * elem)
		header[name] = tensorHeader{
			DType:       string(dtype),
			Shape:       t.Shape,
			DataOffsets: []int64{off, off + n},
		}
		off += n
	})
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	// Pad with spaces so the data section starts 8-byte aligned.
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err = w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err = w.Write(headerBytes); err != nil {
		return err
	}
	var buf []byte
	params.Each(func(_ string, t *tensor.Tensor) {
		if err != nil {
			return
		}
		need := t.Len() * elem
		if cap(buf) < need {
			buf = make([]byte, need)
		}
		buf = buf[:need]
		encode(buf, t.Data, dtype)
		_, err = w.Write(buf)
	})
	if err != nil {
		return fmt.Errorf("write tensors: %w", err)
	}
	if err = w.Flush(); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
