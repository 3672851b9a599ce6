// Package quant implements residual vector quantization with Euclidean
// codebooks as used by the Mimi codec.
package quant

import (
	"fmt"
	"sync"

	"github.com/example/go-moshi/internal/nn"
	"github.com/example/go-moshi/internal/runtime/tensor"
)

const codebookEps = 1e-5

// EuclideanCodebook maps vectors to their nearest centroid. Centroids are
// stored as running sums with usage counts; the normalized embedding is
// derived on first use.
type EuclideanCodebook struct {
	embeddingSum *tensor.Tensor // [bins, dim]
	clusterUsage *tensor.Tensor // [bins]

	once      sync.Once
	embedding []float32 // [bins, dim]
	halfNorm  []float32 // ||e||^2 / 2 per bin
}

// NewEuclideanCodebook validates shapes; derived tables are built lazily.
func NewEuclideanCodebook(embeddingSum, clusterUsage *tensor.Tensor) (*EuclideanCodebook, error) {
	if embeddingSum == nil || embeddingSum.Rank() != 2 {
		return nil, fmt.Errorf("quant: embedding_sum must be [bins, dim]")
	}

	if clusterUsage == nil || int64(clusterUsage.ElemCount()) != embeddingSum.Dim(0) {
		return nil, fmt.Errorf("quant: cluster_usage must have %d entries", embeddingSum.Dim(0))
	}

	return &EuclideanCodebook{embeddingSum: embeddingSum, clusterUsage: clusterUsage}, nil
}

// LoadEuclideanCodebook reads "<path>._codebook.{embedding_sum,cluster_usage}".
func LoadEuclideanCodebook(vb *nn.VarBuilder, bins, dim int64) (*EuclideanCodebook, error) {
	cb := vb.Path("_codebook")

	sum, err := cb.Tensor("embedding_sum", bins, dim)
	if err != nil {
		return nil, err
	}

	usage, err := cb.Tensor("cluster_usage", bins)
	if err != nil {
		return nil, err
	}

	return NewEuclideanCodebook(sum, usage)
}

func (c *EuclideanCodebook) Bins() int { return int(c.embeddingSum.Dim(0)) }

func (c *EuclideanCodebook) Dim() int { return int(c.embeddingSum.Dim(1)) }

func (c *EuclideanCodebook) tables() ([]float32, []float32) {
	c.once.Do(func() {
		bins, dim := c.Bins(), c.Dim()
		sum := c.embeddingSum.RawData()
		usage := c.clusterUsage.RawData()

		c.embedding = make([]float32, bins*dim)
		c.halfNorm = make([]float32, bins)

		for i := range bins {
			inv := 1 / max(usage[i], codebookEps)
			row := c.embedding[i*dim : (i+1)*dim]

			for j := range row {
				row[j] = sum[i*dim+j] * inv
			}

			c.halfNorm[i] = tensor.DotProduct(row, row) / 2
		}
	})

	return c.embedding, c.halfNorm
}

// Invalidate drops the derived tables so the next call recomputes them.
func (c *EuclideanCodebook) Invalidate() {
	c.once = sync.Once{}
	c.embedding = nil
	c.halfNorm = nil
}

// Encode returns, for every row of x [T, dim], the id of the nearest
// centroid. argmin ||x-e||^2 equals argmax x.e - ||e||^2/2; ties resolve to
// the lowest id.
func (c *EuclideanCodebook) Encode(x *tensor.Tensor) ([]int, error) {
	dim := c.Dim()
	if x == nil || x.Rank() != 2 || int(x.Dim(1)) != dim {
		return nil, fmt.Errorf("quant: encode expects [T, %d], got %v", dim, x.Shape())
	}

	emb, halfNorm := c.tables()
	data := x.RawData()
	steps := int(x.Dim(0))
	ids := make([]int, steps)

	tensor.ParallelFor(steps, tensor.Workers(), func(lo, hi int) {
		for t := lo; t < hi; t++ {
			row := data[t*dim : (t+1)*dim]
			best := 0
			bestScore := tensor.DotProduct(row, emb[:dim]) - halfNorm[0]

			for i := 1; i < len(halfNorm); i++ {
				score := tensor.DotProduct(row, emb[i*dim:(i+1)*dim]) - halfNorm[i]
				if score > bestScore {
					best, bestScore = i, score
				}
			}

			ids[t] = best
		}
	})

	return ids, nil
}

// Decode looks up ids and returns [T, dim].
func (c *EuclideanCodebook) Decode(ids []int) (*tensor.Tensor, error) {
	emb, _ := c.tables()
	dim := c.Dim()
	out := make([]float32, len(ids)*dim)

	for t, id := range ids {
		if id < 0 || id >= c.Bins() {
			return nil, fmt.Errorf("quant: code %d out of range [0, %d)", id, c.Bins())
		}

		copy(out[t*dim:(t+1)*dim], emb[id*dim:(id+1)*dim])
	}

	return tensor.FromOwned(out, []int64{int64(len(ids)), int64(dim)})
}
