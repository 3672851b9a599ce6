package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-moshi/internal/runtime/tensor"
)

// TransposeKernel is a transposed-conv weight prepared once at load time.
// The weight layout is [in_channels, out_channels/groups, kernel_size]. For
// groups == 1 the kernel is repacked to [kernel_size, out_channels,
// in_channels] so each (kx, oc) tap is contiguous over input channels.
type TransposeKernel struct {
	weight *tensor.Tensor
	groups int
	packed []float32

	inCh, outPerGroup, kSize int
}

// NewTransposeKernel validates and optionally repacks weight.
func NewTransposeKernel(weight *tensor.Tensor, groups int) (*TransposeKernel, error) {
	if weight == nil {
		return nil, errors.New("ops: convtranspose1d requires a kernel")
	}

	if weight.Rank() != 3 {
		return nil, fmt.Errorf("ops: convtranspose1d expects rank-3 kernel, got %v", weight.Shape())
	}

	if groups <= 0 {
		groups = 1
	}

	k := &TransposeKernel{
		weight:      weight,
		groups:      groups,
		inCh:        int(weight.Dim(0)),
		outPerGroup: int(weight.Dim(1)),
		kSize:       int(weight.Dim(2)),
	}

	if k.inCh%groups != 0 {
		return nil, fmt.Errorf("ops: convtranspose1d in_channels %d not divisible by groups %d", k.inCh, groups)
	}

	if groups == 1 {
		data := weight.RawData()
		k.packed = make([]float32, len(data))

		for ic := range k.inCh {
			for oc := range k.outPerGroup {
				for kx := range k.kSize {
					k.packed[(kx*k.outPerGroup+oc)*k.inCh+ic] = data[(ic*k.outPerGroup+oc)*k.kSize+kx]
				}
			}
		}
	}

	return k, nil
}

// KernelSize returns the kernel width.
func (k *TransposeKernel) KernelSize() int { return k.kSize }

// OutChannels returns the total number of output channels.
func (k *TransposeKernel) OutChannels() int { return k.outPerGroup * k.groups }

// ConvTranspose1D computes the full (untrimmed) transposed convolution:
// output length is (length-1)*stride + kernel_size.
// input: [batch, in_channels, length]; bias: [out_channels] or nil.
func ConvTranspose1D(input *tensor.Tensor, k *TransposeKernel, bias *tensor.Tensor, stride int) (*tensor.Tensor, error) {
	if input == nil || k == nil {
		return nil, errors.New("ops: convtranspose1d requires non-nil input/kernel")
	}

	if stride <= 0 {
		return nil, fmt.Errorf("ops: convtranspose1d stride must be > 0, got %d", stride)
	}

	if input.Rank() != 3 || int(input.Dim(1)) != k.inCh {
		return nil, fmt.Errorf("ops: convtranspose1d input %v does not match kernel in_channels %d", input.Shape(), k.inCh)
	}

	outCh := k.OutChannels()
	if bias != nil && int(bias.ElemCount()) != outCh {
		return nil, fmt.Errorf("ops: convtranspose1d bias shape %v does not match out_channels %d", bias.Shape(), outCh)
	}

	batch := int(input.Dim(0))
	length := int(input.Dim(2))

	outLen := 0
	if length > 0 {
		outLen = (length-1)*stride + k.kSize
	}

	out := make([]float32, batch*outCh*outLen)
	in := input.RawData()

	for b := range batch {
		src := in[b*k.inCh*length : (b+1)*k.inCh*length]
		dst := out[b*outCh*outLen : (b+1)*outCh*outLen]

		switch {
		case k.groups == 1:
			convTransposeDense(src, dst, k, length, outLen, stride)
		default:
			convTransposeGrouped(src, dst, k, length, outLen, stride)
		}
	}

	if bias != nil {
		bv := bias.RawData()
		for b := range batch {
			for oc := range outCh {
				row := out[(b*outCh+oc)*outLen : (b*outCh+oc+1)*outLen]
				for i := range row {
					row[i] += bv[oc]
				}
			}
		}
	}

	return tensor.FromOwned(out, []int64{int64(batch), int64(outCh), int64(outLen)})
}

func convTransposeDense(src, dst []float32, k *TransposeKernel, length, outLen, stride int) {
	// Time-major copy of the input so each input frame is contiguous over
	// channels.
	frames := getScratch(length * k.inCh)
	defer putScratch(frames)

	for ic := range k.inCh {
		for ix, v := range src[ic*length : (ic+1)*length] {
			frames[ix*k.inCh+ic] = v
		}
	}

	parallelChannels(k.outPerGroup, func(lo, hi int) {
		for oc := lo; oc < hi; oc++ {
			row := dst[oc*outLen : (oc+1)*outLen]

			for kx := range k.kSize {
				tap := k.packed[(kx*k.outPerGroup+oc)*k.inCh : (kx*k.outPerGroup+oc+1)*k.inCh]
				for ix := range length {
					row[ix*stride+kx] += tensor.DotProduct(tap, frames[ix*k.inCh:(ix+1)*k.inCh])
				}
			}
		}
	})
}

// convTransposeGrouped scatters each input sample into its group's output
// channels. With groups == in_channels this is the depthwise upsampler.
func convTransposeGrouped(src, dst []float32, k *TransposeKernel, length, outLen, stride int) {
	w := k.weight.RawData()
	inPerGroup := k.inCh / k.groups

	parallelChannels(k.groups, func(lo, hi int) {
		for g := lo; g < hi; g++ {
			for ic := g * inPerGroup; ic < (g+1)*inPerGroup; ic++ {
				for ocg := range k.outPerGroup {
					row := dst[(g*k.outPerGroup+ocg)*outLen : (g*k.outPerGroup+ocg+1)*outLen]
					taps := w[(ic*k.outPerGroup+ocg)*k.kSize : (ic*k.outPerGroup+ocg+1)*k.kSize]

					for ix, v := range src[ic*length : (ic+1)*length] {
						if v == 0 {
							continue
						}

						tensor.Axpy(row[ix*stride:ix*stride+k.kSize], v, taps)
					}
				}
			}
		}
	})
}
