package attention

import (
	"github.com/23skdu/longbow-tcsa/internal/device"
)

// Pool returns the global mean and max of x over every axis except batch
// and the kept axes. Reduced axes stay as size-1 dimensions, so both results
// broadcast back onto x.
func Pool(x device.Tensor, keep ...int) (avg, peak device.Tensor) {
	reduce := reducedAxes(len(x.Shape()), keep)
	return x.MeanKeep(reduce...), x.MaxKeep(reduce...)
}

func reducedAxes(rank int, keep []int) []int {
	kept := make([]bool, rank)
	kept[AxisBatch] = true
	for _, k := range keep {
		kept[k] = true
	}
	axes := make([]int, 0, rank)
	for a, k := range kept {
		if !k {
			axes = append(axes, a)
		}
	}
	return axes
}
