package weights

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-tcsa/internal/attention"
	"github.com/23skdu/longbow-tcsa/internal/device"
)

// Precision of the raw on-disk format.
type Precision string

const (
	FP32 Precision = "fp32"
	FP16 Precision = "fp16"
)

// ParsePrecision accepts "fp32", "fp16" or "" (fp32).
func ParsePrecision(s string) (Precision, error) {
	switch Precision(s) {
	case "", FP32:
		return FP32, nil
	case FP16:
		return FP16, nil
	default:
		return "", fmt.Errorf("unknown precision: %s", s)
	}
}

// ErrTrailingData is returned when a raw file holds more values than the
// module has parameters.
var ErrTrailingData = errors.New("trailing data after last parameter")

// ParameterSet is anything exposing learned parameters in a stable order.
type ParameterSet interface {
	Parameters() []*attention.Parameter
}

// Loader moves parameters between a module and its serialized forms.
type Loader struct {
	Model ParameterSet
}

// NewLoader creates a new weight loader for the given module.
func NewLoader(m ParameterSet) *Loader {
	return &Loader{Model: m}
}

// LoadFromRawBinary loads weights from a headerless little-endian file
// holding every parameter back to back in Parameters() order.
func (l *Loader) LoadFromRawBinary(path string, precision Precision) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := l.LoadRaw(bufio.NewReader(file), precision); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	log.Debug().Str("path", path).Str("precision", string(precision)).Msg("Raw weights loaded")
	return nil
}

// LoadRaw decodes every parameter before writing any of them, so a short
// or oversized stream leaves the module untouched.
func (l *Loader) LoadRaw(r io.Reader, precision Precision) error {
	params := l.Model.Parameters()
	staged := make([][]float32, len(params))
	for i, p := range params {
		data, err := readDense(r, p.Shape().NumElements(), precision)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", p.Name(), err)
		}
		staged[i] = data
	}

	var probe [1]byte
	if n, _ := r.Read(probe[:]); n > 0 {
		return ErrTrailingData
	}

	for i, p := range params {
		p.Tensor().CopyFromFloat32(staged[i])
	}
	return nil
}

func readDense(r io.Reader, size int, precision Precision) ([]float32, error) {
	data := make([]float32, size)
	switch precision {
	case FP16:
		halves := make([]uint16, size)
		if err := binary.Read(r, binary.LittleEndian, halves); err != nil {
			return nil, err
		}
		for i, h := range halves {
			data[i] = device.Float16ToFloat32(h)
		}
	default:
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// SaveToRawBinary writes the counterpart of LoadFromRawBinary.
func (l *Loader) SaveToRawBinary(path string, precision Precision) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(file)
	if err := l.SaveRaw(w, precision); err != nil {
		file.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func (l *Loader) SaveRaw(w io.Writer, precision Precision) error {
	for _, p := range l.Model.Parameters() {
		data := p.Tensor().ToHost()
		var err error
		if precision == FP16 {
			halves := make([]uint16, len(data))
			for i, v := range data {
				halves[i] = device.Float32ToFloat16(v)
			}
			err = binary.Write(w, binary.LittleEndian, halves)
		} else {
			err = binary.Write(w, binary.LittleEndian, data)
		}
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", p.Name(), err)
		}
	}
	return nil
}
