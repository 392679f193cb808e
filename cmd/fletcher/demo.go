package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-fletcher/internal/attention"
	"github.com/23skdu/longbow-fletcher/internal/client"
	"github.com/23skdu/longbow-fletcher/internal/positional"
	"github.com/23skdu/longbow-fletcher/internal/simd"
	"github.com/23skdu/longbow-fletcher/internal/tensor"
	"github.com/23skdu/longbow-fletcher/internal/wire"
)

type demoOptions struct {
	Seed       int64
	Batch      int
	SeqLen     int
	MaxSeqLen  int
	DModel     int
	Causal     bool
	MaskedRows string
	// Remote is a Flight address. Empty runs the kernels in-process.
	Remote   string
	Duration time.Duration
	// ArrowOut receives the output and weights as an Arrow IPC stream.
	ArrowOut io.Writer
}

type attendFunc func(ctx context.Context, q, k, v, mask *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error)

// runDemo encodes random embeddings with the positional table and runs self
// attention over them, locally or against a remote server.
func runDemo(ctx context.Context, opts demoOptions) error {
	policy, err := attention.ParseMaskedRowPolicy(opts.MaskedRows)
	if err != nil {
		return err
	}

	tbl, err := positional.New(opts.MaxSeqLen, opts.DModel)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	data := make([]float32, opts.Batch*opts.SeqLen*opts.DModel)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	emb, err := tensor.New(tensor.Shape{opts.Batch, opts.SeqLen, opts.DModel}, data)
	if err != nil {
		return err
	}
	x, err := tbl.AddTo(emb)
	if err != nil {
		return err
	}

	var mask *tensor.Tensor
	if opts.Causal {
		if mask, err = attention.CausalMask(opts.SeqLen); err != nil {
			return err
		}
	}

	attend := func(_ context.Context, q, k, v, mask *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
		return attention.ScaledDotProduct(q, k, v, mask, attention.WithMaskedRows(policy))
	}
	if opts.Remote != "" {
		fc, err := client.NewFlightClient(opts.Remote)
		if err != nil {
			return fmt.Errorf("connect to %s: %w", opts.Remote, err)
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("server", opts.Remote).Msg("Running attention on remote Fletcher server")
		attend = func(ctx context.Context, q, k, v, mask *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
			return fc.Attention(ctx, q, k, v, mask, policy)
		}
	}

	if opts.Duration > 0 {
		return soak(ctx, attend, x, mask, opts.Duration)
	}

	start := time.Now()
	out, weights, err := attend(ctx, x, x, x, mask)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	log.Info().
		Str("input", x.Shape().String()).
		Str("output", out.Shape().String()).
		Str("weights", weights.Shape().String()).
		Bool("causal", opts.Causal).
		Float64("max_row_error", maxRowError(weights)).
		Dur("elapsed", elapsed).
		Msg("Computed self attention")

	if opts.ArrowOut != nil {
		rec, err := wire.EncodeTensors(memory.NewGoAllocator(),
			wire.Named{Name: "output", Tensor: out},
			wire.Named{Name: "weights", Tensor: weights},
		)
		if err != nil {
			return err
		}
		defer rec.Release()
		if err := wire.WriteIPC(opts.ArrowOut, rec); err != nil {
			return fmt.Errorf("write arrow stream: %w", err)
		}
	}
	return nil
}

func soak(ctx context.Context, attend attendFunc, x, mask *tensor.Tensor, d time.Duration) error {
	log.Info().Str("duration", d.String()).Msg("Starting soak test")

	startTime := time.Now()
	endTime := startTime.Add(d)
	var iter int

	for time.Now().Before(endTime) && ctx.Err() == nil {
		if _, _, err := attend(ctx, x, x, x, mask); err != nil {
			return err
		}
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Float64("calls_per_sec", float64(iter)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int("iterations", iter).
		Dur("total_time", totalElapsed).
		Float64("avg_calls_per_sec", float64(iter)/totalElapsed.Seconds()).
		Msg("Soak test complete")
	return nil
}

// maxRowError is the largest |sum(row) - 1| over all weight rows.
func maxRowError(w *tensor.Tensor) float64 {
	sk := w.Dim(-1)
	if sk == 0 {
		return 0
	}
	data := w.Data()
	worst := 0.0
	for r := 0; r < len(data)/sk; r++ {
		sum := float64(simd.Sum(data[r*sk : (r+1)*sk]))
		worst = math.Max(worst, math.Abs(sum-1))
	}
	return worst
}
