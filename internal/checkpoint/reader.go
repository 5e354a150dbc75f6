package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/moegpt/internal/nn"
	"github.com/samcharles93/moegpt/internal/tensor"
)

var (
	ErrCorruptFile      = errors.New("corrupt checkpoint file")
	ErrUnsupportedDType = errors.New("unsupported dtype")
	ErrMissingTensor    = errors.New("tensor not found")
	ErrShapeMismatch    = errors.New("tensor shape mismatch")
)

type TensorInfo struct {
	Name  string
	DType DType
	Shape []int
	Start int64
	End   int64
}

// File is an open checkpoint. Tensors are listed in data order, which is
// the order of the parameter tree that was saved.
type File struct {
	Path     string
	Metadata map[string]string
	Tensors  []TensorInfo

	index   map[string]int
	data    []byte
	mapping []byte
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open maps a checkpoint read-only and validates its header.
// If mmap is unavailable, it falls back to ReadAt-based loading.
// The returned file must be closed to release any mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptFile, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		cf, parseErr := parse(path, data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return cf, nil
	}

	// Fallback path that does not require mmap support.
	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return parse(path, data, false)
}

func readAllAt(r io.ReaderAt, size int64) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < size {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == size {
			break
		}
		return nil, err
	}
	return out, nil
}

func parse(path string, data []byte, mmapped bool) (*File, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptFile, len(data))
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header length %d exceeds file size", ErrCorruptFile, headerLen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptFile, err)
	}

	cf := &File{
		Path:     path,
		Metadata: map[string]string{},
		index:    make(map[string]int, len(raw)),
		data:     data[8+headerLen:],
	}
	if mmapped {
		cf.mapping = data
	}
	if msg, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(msg, &cf.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptFile, err)
		}
		delete(raw, "__metadata__")
	}

	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: parse tensor %s: %v", ErrCorruptFile, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: tensor %s: invalid data_offsets", ErrCorruptFile, name)
		}
		info := TensorInfo{
			Name:  name,
			DType: DType(th.DType),
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
		if err := cf.check(info); err != nil {
			return nil, err
		}
		cf.Tensors = append(cf.Tensors, info)
	}
	sort.Slice(cf.Tensors, func(i, j int) bool {
		if cf.Tensors[i].Start != cf.Tensors[j].Start {
			return cf.Tensors[i].Start < cf.Tensors[j].Start
		}
		return cf.Tensors[i].Name < cf.Tensors[j].Name
	})
	for i, t := range cf.Tensors {
		cf.index[t.Name] = i
	}
	return cf, nil
}

func (f *File) check(t TensorInfo) error {
	elem, err := t.DType.size()
	if err != nil {
		return fmt.Errorf("tensor %s: %w", t.Name, err)
	}
	n, err := numElements(t.Shape)
	if err != nil {
		return fmt.Errorf("%w: tensor %s: %v", ErrCorruptFile, t.Name, err)
	}
	if t.Start < 0 || t.End < t.Start || t.End > int64(len(f.data)) {
		return fmt.Errorf("%w: tensor %s: invalid offsets", ErrCorruptFile, t.Name)
	}
	if t.End-t.Start != int64(n*elem) {
		return fmt.Errorf("%w: tensor %s: invalid %s data size", ErrCorruptFile, t.Name, t.DType)
	}
	return nil
}

// Tensor returns the header entry of name.
func (f *File) Tensor(name string) (TensorInfo, bool) {
	i, ok := f.index[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensors[i], true
}

// ReadTensor decodes name into a float32 tensor.
func (f *File) ReadTensor(name string) (*tensor.Tensor, error) {
	info, ok := f.Tensor(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingTensor, name)
	}
	if f.data == nil {
		return nil, fmt.Errorf("checkpoint %s is closed", f.Path)
	}
	out := tensor.New(info.Shape...)
	decode(out.Data, f.data[info.Start:info.End], info.DType)
	return out, nil
}

// Params decodes every tensor into a parameter tree in file order.
func (f *File) Params() (*nn.Params, error) {
	p := nn.NewParams()
	for _, info := range f.Tensors {
		t, err := f.ReadTensor(info.Name)
		if err != nil {
			return nil, err
		}
		p.Set(info.Name, t)
	}
	return p, nil
}

// Close releases the mapping.
func (f *File) Close() error {
	if f.data == nil {
		return nil
	}
	var err error
	if f.mapping != nil {
		err = unix.Munmap(f.mapping)
	}
	f.data = nil
	f.mapping = nil
	return err
}

// Load reads the parameter tree stored at path.
func Load(path string) (*nn.Params, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return f.Params()
}

// Substitute validates loaded against the freshly initialised tree fresh and
// returns loaded in fresh's order. Extra tensors in loaded are ignored.
func Substitute(fresh, loaded *nn.Params) (*nn.Params, error) {
	out := nn.NewParams()
	var err error
	fresh.Each(func(name string, want *tensor.Tensor) {
		if err != nil {
			return
		}
		got, ok := loaded.Get(name)
		if !ok {
			err = fmt.Errorf("%w: %s", ErrMissingTensor, name)
			return
		}
		if !slices.Equal(got.Shape, want.Shape) {
			err = fmt.Errorf("%w: %s is %v, want %v", ErrShapeMismatch, name, got.Shape, want.Shape)
			return
		}
		out.Set(name, got)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d != 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}
