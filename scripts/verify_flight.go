//go:build ignore

package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/23skdu/longbow-fletcher/internal/attention"
	"github.com/23skdu/longbow-fletcher/internal/client"
	"github.com/23skdu/longbow-fletcher/internal/tensor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to Fletcher Flight Server")

	c, err := client.NewFlightClient(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer c.Close()

	q := tensor.MustNew(tensor.Shape{1, 3, 3}, []float32{
		0.1, 0.2, 0.3,
		0.4, 0.5, 0.6,
		0.7, 0.8, 0.9,
	})
	mask, _ := attention.CausalMask(3)

	// Retry loop while the server comes up
	var out, weights *tensor.Tensor
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		start := time.Now()
		out, weights, err = c.Attention(ctx, q, q, q, mask, attention.MaskedRowsNaN)
		cancel()
		if err == nil {
			log.Info().Dur("elapsed", time.Since(start)).Msg("Received attention result")
			break
		}
		log.Warn().Err(err).Msg("Attention failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed after retries")
	}

	wantOut, wantWeights, err := attention.ScaledDotProduct(q, q, q, mask)
	if err != nil {
		log.Fatal().Err(err).Msg("Local attention failed")
	}

	for i, v := range out.Data() {
		if math.Abs(float64(v-wantOut.Data()[i])) > 1e-6 {
			log.Fatal().Int("index", i).Float32("got", v).Float32("want", wantOut.Data()[i]).Msg("Output mismatch")
		}
	}
	for i, v := range weights.Data() {
		if math.Abs(float64(v-wantWeights.Data()[i])) > 1e-6 {
			log.Fatal().Int("index", i).Float32("got", v).Float32("want", wantWeights.Data()[i]).Msg("Weights mismatch")
		}
	}

	fmt.Println("VERIFICATION PASSED")
}
