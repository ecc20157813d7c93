package engine

import (
	"fmt"

	"github.com/tsawler/go-srnet/tensor"
)

// AlignOutputs zero-pads each generator map by one row on top and one
// column on the right. The generator's last convolution trims one pixel from
// both spatial dimensions; padding restores the input size.
func AlignOutputs(out GeneratorOutput) (GeneratorOutput, error) {
	var aligned GeneratorOutput
	dst := []**tensor.Tensor{&aligned.Skeleton, &aligned.Text, &aligned.Background, &aligned.Fusion}
	for i, m := range out.maps() {
		if m == nil {
			return GeneratorOutput{}, fmt.Errorf("generator output %d is nil", i)
		}
		padded, err := tensor.ZeroPad2D(m, 1, 1, 0, 0)
		if err != nil {
			return GeneratorOutput{}, fmt.Errorf("failed to align generator output: %w", err)
		}
		*dst[i] = padded
	}
	return aligned, nil
}
