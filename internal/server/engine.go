package server

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-fletcher/internal/attention"
	"github.com/23skdu/longbow-fletcher/internal/cache"
	"github.com/23skdu/longbow-fletcher/internal/positional"
	"github.com/23skdu/longbow-fletcher/internal/tensor"
)

// Engine runs the kernels behind the HTTP and Flight front ends.
type Engine interface {
	Attention(ctx context.Context, q, k, v, mask *tensor.Tensor, policy attention.MaskedRowPolicy) (output, weights *tensor.Tensor, err error)
	Positional(ctx context.Context, maxSeqLen, dModel, seqLen int) (*tensor.Tensor, error)
}

type tableKey struct {
	maxSeqLen, dModel int
}

// KernelEngine is the in-process Engine. Positional tables are immutable, so
// each (max_seq_len, d_model) pair is built once and shared.
type KernelEngine struct {
	tables            *cache.MapCache[tableKey, *positional.Table]
	maxTableElements  int
	maxResultElements int
}

// NewEngine returns a KernelEngine enforcing the table and result size limits
// of cfg.
func NewEngine(cfg Config) *KernelEngine {
	cfg = cfg.withDefaults()
	return &KernelEngine{
		tables:            cache.NewMapCache[tableKey, *positional.Table](),
		maxTableElements:  cfg.MaxTableElements,
		maxResultElements: cfg.MaxResultElements,
	}
}

func (e *KernelEngine) Attention(ctx context.Context, q, k, v, mask *tensor.Tensor, policy attention.MaskedRowPolicy) (*tensor.Tensor, *tensor.Tensor, error) {
	_, span := tracer.Start(ctx, "attention.ScaledDotProduct")
	defer span.End()

	span.SetAttributes(
		attribute.String("q.shape", shapeOf(q)),
		attribute.String("k.shape", shapeOf(k)),
		attribute.String("v.shape", shapeOf(v)),
		attribute.Bool("masked", mask != nil),
		attribute.String("masked_rows", policy.String()),
	)

	outShape, wShape, err := attention.Shapes(q, k, v, mask)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	if n := outShape.NumElements(); n > e.maxResultElements || wShape.NumElements() > e.maxResultElements-n {
		err := fmt.Errorf("%w: output %v and weights %v exceed %d values",
			tensor.ErrIncompatibleShape, outShape, wShape, e.maxResultElements)
		span.RecordError(err)
		return nil, nil, err
	}

	out, w, err := attention.ScaledDotProduct(q, k, v, mask, attention.WithMaskedRows(policy))
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	attentionElements.Add(float64(out.Len()))
	return out, w, nil
}

func (e *KernelEngine) Positional(ctx context.Context, maxSeqLen, dModel, seqLen int) (*tensor.Tensor, error) {
	_, span := tracer.Start(ctx, "positional.SliceFor")
	defer span.End()

	span.SetAttributes(
		attribute.Int("max_seq_len", maxSeqLen),
		attribute.Int("d_model", dModel),
		attribute.Int("seq_len", seqLen),
	)

	if maxSeqLen > 0 && dModel > 0 && maxSeqLen > e.maxTableElements/dModel {
		return nil, fmt.Errorf("%w: table of %dx%d exceeds %d values",
			positional.ErrInvalidConfig, maxSeqLen, dModel, e.maxTableElements)
	}

	tbl, hit, err := e.tables.GetOrCreate(tableKey{maxSeqLen, dModel}, func() (*positional.Table, error) {
		return positional.New(maxSeqLen, dModel)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if hit {
		tableCacheHits.Inc()
	} else {
		tableCacheMisses.Inc()
		cachedTables.Set(float64(e.tables.Size()))
	}
	span.SetAttributes(attribute.Bool("cache_hit", hit))

	return tbl.SliceFor(seqLen)
}

func shapeOf(t *tensor.Tensor) string {
	if t == nil {
		return "none"
	}
	return t.Shape().String()
}
