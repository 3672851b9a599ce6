package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-moshi/internal/runtime/tensor"
)

// ConvParams configures Conv1D. Padding is asymmetric so that causal layers
// can pad only on the left.
type ConvParams struct {
	Stride   int
	Dilation int
	Groups   int
	PadLeft  int
	PadRight int
}

func (p ConvParams) withDefaults() ConvParams {
	if p.Stride == 0 {
		p.Stride = 1
	}

	if p.Dilation == 0 {
		p.Dilation = 1
	}

	if p.Groups == 0 {
		p.Groups = 1
	}

	return p
}

// EffectiveKernel returns (k-1)*dilation + 1.
func EffectiveKernel(kernelSize, dilation int) int {
	return (kernelSize-1)*dilation + 1
}

// Conv1D performs a 1D convolution.
// input: [batch, in_channels, length]
// kernel: [out_channels, in_channels/groups, kernel_size]
// bias: [out_channels] or nil.
func Conv1D(input, kernel, bias *tensor.Tensor, p ConvParams) (*tensor.Tensor, error) {
	p = p.withDefaults()

	g, err := conv1DGeometry(input, kernel, bias, p)
	if err != nil {
		return nil, err
	}

	out := make([]float32, g.batch*g.outCh*g.outLen)

	var biasData []float32
	if bias != nil {
		biasData = bias.RawData()
	}

	if p.Groups == 1 {
		conv1DIm2Col(input.RawData(), kernel.RawData(), biasData, out, g, p)
	} else {
		conv1DGrouped(input.RawData(), kernel.RawData(), biasData, out, g, p)
	}

	return tensor.FromOwned(out, []int64{int64(g.batch), int64(g.outCh), int64(g.outLen)})
}

type convGeometry struct {
	batch, inCh, length     int
	outCh, kIn, kSize       int
	outLen                  int
	inPerGroup, outPerGroup int
}

func conv1DGeometry(input, kernel, bias *tensor.Tensor, p ConvParams) (convGeometry, error) {
	if input == nil || kernel == nil {
		return convGeometry{}, errors.New("ops: conv1d requires non-nil input/kernel")
	}

	if p.Stride <= 0 || p.Dilation <= 0 || p.Groups <= 0 || p.PadLeft < 0 || p.PadRight < 0 {
		return convGeometry{}, fmt.Errorf("ops: conv1d invalid params %+v", p)
	}

	in := input.Shape()
	k := kernel.Shape()

	if len(in) != 3 || len(k) != 3 {
		return convGeometry{}, fmt.Errorf("ops: conv1d expects input/kernel rank 3, got %v and %v", in, k)
	}

	g := convGeometry{
		batch:  int(in[0]),
		inCh:   int(in[1]),
		length: int(in[2]),
		outCh:  int(k[0]),
		kIn:    int(k[1]),
		kSize:  int(k[2]),
	}

	if g.inCh%p.Groups != 0 || g.outCh%p.Groups != 0 {
		return convGeometry{}, fmt.Errorf("ops: conv1d channels (%d, %d) not divisible by groups %d", g.inCh, g.outCh, p.Groups)
	}

	g.inPerGroup = g.inCh / p.Groups
	g.outPerGroup = g.outCh / p.Groups

	if g.kIn != g.inPerGroup {
		return convGeometry{}, fmt.Errorf("ops: conv1d kernel in_channels %d, want %d", g.kIn, g.inPerGroup)
	}

	if bias != nil && (bias.Rank() != 1 || int(bias.Dim(0)) != g.outCh) {
		return convGeometry{}, fmt.Errorf("ops: conv1d bias shape %v does not match out_channels %d", bias.Shape(), g.outCh)
	}

	span := g.length + p.PadLeft + p.PadRight - EffectiveKernel(g.kSize, p.Dilation)
	if span < 0 {
		return convGeometry{}, fmt.Errorf("ops: conv1d input length %d shorter than kernel span %d", g.length+p.PadLeft+p.PadRight, EffectiveKernel(g.kSize, p.Dilation))
	}

	g.outLen = span/p.Stride + 1

	return g, nil
}

// conv1DIm2Col gathers each output position's receptive field into a
// contiguous row so every output sample is one dot product.
func conv1DIm2Col(in, kernel, bias, out []float32, g convGeometry, p ConvParams) {
	patch := g.inCh * g.kSize

	cols := getScratch(g.outLen * patch)
	defer putScratch(cols)

	for b := range g.batch {
		if b > 0 {
			clear(cols)
		}

		for ic := range g.inCh {
			src := in[(b*g.inCh+ic)*g.length : (b*g.inCh+ic+1)*g.length]

			for kx := range g.kSize {
				col := ic*g.kSize + kx
				for ox := range g.outLen {
					pos := ox*p.Stride - p.PadLeft + kx*p.Dilation
					if pos >= 0 && pos < g.length {
						cols[ox*patch+col] = src[pos]
					}
				}
			}
		}

		dst := out[b*g.outCh*g.outLen : (b+1)*g.outCh*g.outLen]

		parallelChannels(g.outCh, func(lo, hi int) {
			for oc := lo; oc < hi; oc++ {
				w := kernel[oc*patch : (oc+1)*patch]
				row := dst[oc*g.outLen : (oc+1)*g.outLen]

				var bv float32
				if bias != nil {
					bv = bias[oc]
				}

				for ox := range row {
					row[ox] = tensor.DotProduct(w, cols[ox*patch:(ox+1)*patch]) + bv
				}
			}
		})
	}
}

func conv1DGrouped(in, kernel, bias, out []float32, g convGeometry, p ConvParams) {
	for b := range g.batch {
		parallelChannels(g.outCh, func(lo, hi int) {
			for oc := lo; oc < hi; oc++ {
				icBase := (oc / g.outPerGroup) * g.inPerGroup
				row := out[(b*g.outCh+oc)*g.outLen : (b*g.outCh+oc+1)*g.outLen]

				for ox := range row {
					var sum float32
					if bias != nil {
						sum = bias[oc]
					}

					for ic := range g.inPerGroup {
						src := in[(b*g.inCh+icBase+ic)*g.length:]
						w := kernel[(oc*g.kIn+ic)*g.kSize:]

						for kx := range g.kSize {
							pos := ox*p.Stride - p.PadLeft + kx*p.Dilation
							if pos >= 0 && pos < g.length {
								sum += src[pos] * w[kx]
							}
						}
					}

					row[ox] = sum
				}
			}
		})
	}
}
