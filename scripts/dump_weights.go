//go:build ignore

package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/23skdu/longbow-tcsa/internal/attention"
	"github.com/23skdu/longbow-tcsa/internal/device"
	"github.com/23skdu/longbow-tcsa/internal/simd"
	"github.com/23skdu/longbow-tcsa/internal/weights"
)

// WeightDump holds the summary of a loaded tensor for verification
type WeightDump struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	FirstFew []float32 `json:"first_few"`
	LastFew  []float32 `json:"last_few"`
	Sum      float64   `json:"sum"`
	Max      float32   `json:"max"`
}

func main() {
	variant := flag.String("variant", "tcsa", "Attention preset")
	timeWindows := flag.Int("time-windows", 16, "Time window length T")
	channels := flag.Int("channels", 16, "Channel count C")
	weightsPath := flag.String("weights", "tcsa.ckpt", "Path to CBOR checkpoint")
	flag.Parse()

	v, err := attention.ParseVariant(*variant)
	if err != nil {
		log.Fatal(err)
	}

	backend := device.NewCPUBackend()
	m, err := attention.New(v, attention.Config{TimeWindows: *timeWindows, Channels: *channels}, backend)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	if err := weights.NewLoader(m).LoadCheckpointFile(*weightsPath, m.Name()); err != nil {
		log.Fatalf("Failed to load weights: %v", err)
	}

	dumps := []WeightDump{}
	for _, p := range m.Parameters() {
		data := p.Tensor().ToHost()
		wd := WeightDump{
			Name:  p.Name(),
			Shape: []int(p.Shape()),
			Sum:   simd.Sum(data),
			Max:   simd.Max(data),
		}
		count := min(5, len(data))
		wd.FirstFew = data[:count]
		wd.LastFew = data[len(data)-count:]
		dumps = append(dumps, wd)
	}

	// Output JSON
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dumps); err != nil {
		log.Fatal(err)
	}
}
