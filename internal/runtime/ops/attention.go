package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-moshi/internal/runtime/tensor"
)

// Attention computes scaled dot-product attention per head.
// q: [heads, tq, d], k: [heads, tk, d], v: [heads, tk, dv]; output
// [heads, tq, dv]. When causal is set, query i attends to key j only if
// j <= i + offset; with a KV cache offset is tk - tq.
func Attention(q, k, v *tensor.Tensor, causal bool, offset int64) (*tensor.Tensor, error) {
	if q == nil || k == nil || v == nil {
		return nil, errors.New("ops: attention requires non-nil q/k/v")
	}

	if q.Rank() != 3 || k.Rank() != 3 || v.Rank() != 3 {
		return nil, fmt.Errorf("ops: attention expects rank-3 q/k/v, got %v %v %v", q.Shape(), k.Shape(), v.Shape())
	}

	heads := int(q.Dim(0))
	tq, d := int(q.Dim(1)), int(q.Dim(2))
	tk, dv := int(k.Dim(1)), int(v.Dim(2))

	if int(k.Dim(0)) != heads || int(v.Dim(0)) != heads {
		return nil, fmt.Errorf("ops: attention head mismatch %v %v %v", q.Shape(), k.Shape(), v.Shape())
	}

	if int(k.Dim(2)) != d {
		return nil, fmt.Errorf("ops: attention q/k depth mismatch %d vs %d", d, k.Dim(2))
	}

	if int(v.Dim(1)) != tk {
		return nil, fmt.Errorf("ops: attention key/value sequence mismatch %d vs %d", tk, v.Dim(1))
	}

	qd, kd, vd := q.RawData(), k.RawData(), v.RawData()
	out := make([]float32, heads*tq*dv)
	scale := float32(1 / math.Sqrt(float64(d)))

	tensor.ParallelFor(heads, tensor.Workers(), func(lo, hi int) {
		scores := make([]float32, tk)

		for h := lo; h < hi; h++ {
			kh := kd[h*tk*d : (h+1)*tk*d]
			vh := vd[h*tk*dv : (h+1)*tk*dv]

			for i := range tq {
				qi := qd[(h*tq+i)*d : (h*tq+i+1)*d]

				visible := tk
				if causal {
					visible = int(min(max(int64(i)+offset+1, 0), int64(tk)))
				}

				row := scores[:visible]
				for j := range row {
					row[j] = tensor.DotProduct(qi, kh[j*d:(j+1)*d]) * scale
				}

				tensor.SoftmaxInPlace(row)

				dst := out[(h*tq+i)*dv : (h*tq+i+1)*dv]
				for j, p := range row {
					tensor.Axpy(dst, p, vh[j*dv:(j+1)*dv])
				}
			}
		}
	})

	return tensor.FromOwned(out, []int64{int64(heads), int64(tq), int64(dv)})
}
