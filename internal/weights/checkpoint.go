package weights

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-tcsa/internal/device"
)

// CheckpointFormat is the only checkpoint layout understood by this package.
const CheckpointFormat = 1

var (
	ErrCheckpointFormat  = errors.New("unsupported checkpoint format")
	ErrVariantMismatch   = errors.New("checkpoint variant mismatch")
	ErrMissingParameter  = errors.New("parameter missing from checkpoint")
	ErrUnknownParameter  = errors.New("checkpoint has unknown parameter")
	ErrParameterMismatch = errors.New("parameter shape mismatch")
)

// Checkpoint is a named state dict encoded as CBOR.
type Checkpoint struct {
	Format  int            `cbor:"format"`
	Variant string         `cbor:"variant"`
	Params  []TensorRecord `cbor:"params"`
}

// TensorRecord is one serialized parameter.
type TensorRecord struct {
	Name  string    `cbor:"name"`
	Shape []int     `cbor:"shape"`
	Data  []float32 `cbor:"data"`
}

// SaveCheckpoint encodes every parameter under its name.
func (l *Loader) SaveCheckpoint(w io.Writer, variant string) error {
	ckpt := Checkpoint{Format: CheckpointFormat, Variant: variant}
	for _, p := range l.Model.Parameters() {
		ckpt.Params = append(ckpt.Params, TensorRecord{
			Name:  p.Name(),
			Shape: []int(p.Shape().Clone()),
			Data:  p.Tensor().ToHost(),
		})
	}
	return cbor.NewEncoder(w).Encode(ckpt)
}

// LoadCheckpoint restores parameters by name. When variant is non-empty it
// must match the checkpoint's. Parameters are only written once the whole
// checkpoint has been validated.
func (l *Loader) LoadCheckpoint(r io.Reader, variant string) error {
	var ckpt Checkpoint
	if err := cbor.NewDecoder(r).Decode(&ckpt); err != nil {
		return fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if ckpt.Format != CheckpointFormat {
		return fmt.Errorf("%w: %d", ErrCheckpointFormat, ckpt.Format)
	}
	if variant != "" && ckpt.Variant != variant {
		return fmt.Errorf("%w: checkpoint %q, module %q", ErrVariantMismatch, ckpt.Variant, variant)
	}

	records := make(map[string]TensorRecord, len(ckpt.Params))
	for _, rec := range ckpt.Params {
		records[rec.Name] = rec
	}

	params := l.Model.Parameters()
	known := make(map[string]bool, len(params))
	for _, p := range params {
		known[p.Name()] = true
		rec, ok := records[p.Name()]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingParameter, p.Name())
		}
		if !device.Shape(rec.Shape).Equal(p.Shape()) || len(rec.Data) != p.Shape().NumElements() {
			return fmt.Errorf("%w: %s: checkpoint %v, module %v", ErrParameterMismatch, p.Name(), device.Shape(rec.Shape), p.Shape())
		}
	}
	for _, name := range slices.Sorted(maps.Keys(records)) {
		if !known[name] {
			return fmt.Errorf("%w: %s", ErrUnknownParameter, name)
		}
	}

	for _, p := range params {
		p.Tensor().CopyFromFloat32(records[p.Name()].Data)
	}
	return nil
}

func (l *Loader) SaveCheckpointFile(path, variant string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := l.SaveCheckpoint(file, variant); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func (l *Loader) LoadCheckpointFile(path, variant string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := l.LoadCheckpoint(file, variant); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	log.Debug().Str("path", path).Str("variant", variant).Msg("Checkpoint loaded")
	return nil
}
