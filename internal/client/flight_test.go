package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-fletcher/internal/attention"
	"github.com/23skdu/longbow-fletcher/internal/server"
	"github.com/23skdu/longbow-fletcher/internal/tensor"
	"github.com/23skdu/longbow-fletcher/internal/wire"
)

func startFlightServer(t *testing.T) string {
	t.Helper()
	srv, err := server.NewFlightServer("localhost:0", server.NewFlightService(server.NewEngine(server.DefaultConfig())))
	require.NoError(t, err)

	go func() {
		_ = srv.Serve()
	}()
	t.Cleanup(srv.Shutdown)
	return srv.Addr().String()
}

func TestFlightClient_Attention(t *testing.T) {
	addr := startFlightServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q := tensor.MustNew(tensor.Shape{1, 2, 2}, []float32{1, 0, 0, 1})
	v := tensor.MustNew(tensor.Shape{1, 2, 3}, []float32{1, 2, 3, 4, 5, 6})

	t.Run("MatchesLocal", func(t *testing.T) {
		out, w, err := client.Attention(ctx, q, q, v, nil, attention.MaskedRowsNaN)
		require.NoError(t, err)

		wantOut, wantW, err := attention.ScaledDotProduct(q, q, v, nil)
		require.NoError(t, err)
		assert.Equal(t, wantOut.Shape(), out.Shape())
		assert.Equal(t, wantOut.Data(), out.Data())
		assert.Equal(t, wantW.Data(), w.Data())
	})

	t.Run("MaskAndPolicy", func(t *testing.T) {
		mask := tensor.Zeros(1, 1, 2)
		_, w, err := client.Attention(ctx, q, q, v, mask, attention.MaskedRowsUniform)
		require.NoError(t, err)
		assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, w.Data())
	})

	t.Run("ShapeErrorKeepsCircuitClosed", func(t *testing.T) {
		bad := tensor.Zeros(1, 2, 5)
		_, _, err := client.Attention(ctx, q, bad, v, nil, attention.MaskedRowsNaN)
		require.ErrorIs(t, err, tensor.ErrIncompatibleShape)
		assert.Equal(t, StateClosed, client.Breaker().State())
	})

	t.Run("HugeEmptyInputsRejected", func(t *testing.T) {
		empty := tensor.Zeros(1<<20, 1<<20, 0)
		_, _, err := client.Attention(ctx, empty, empty, empty, nil, attention.MaskedRowsNaN)
		require.ErrorIs(t, err, tensor.ErrIncompatibleShape)
	})

	t.Run("OverflowingShapeRejected", func(t *testing.T) {
		rec := overflowRecord(t)
		defer rec.Release()

		stream, err := client.client.DoExchange(ctx)
		require.NoError(t, err)
		writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
		writer.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{AttentionPath}})
		_ = writer.Write(rec)
		_ = writer.Close()
		require.NoError(t, stream.CloseSend())

		_, err = stream.Recv()
		assert.Equal(t, codes.InvalidArgument, status.Code(err))

		// The server is still serving.
		_, _, err = client.Attention(ctx, q, q, v, nil, attention.MaskedRowsNaN)
		require.NoError(t, err)
	})
}

// overflowRecord builds q, k and v columns with no values and a shape whose
// element count does not fit in an int.
func overflowRecord(t *testing.T) arrow.RecordBatch {
	t.Helper()
	mem := memory.NewGoAllocator()
	names := []string{"q", "k", "v"}
	cols := make([]arrow.Array, 0, 2*len(names))
	for range names {
		lb := array.NewListBuilder(mem, arrow.PrimitiveTypes.Float32)
		lb.Append(true)
		cols = append(cols, lb.NewArray())
		lb.Release()

		sb := array.NewListBuilder(mem, arrow.PrimitiveTypes.Int64)
		sb.Append(true)
		sb.ValueBuilder().(*array.Int64Builder).AppendValues([]int64{1, 1 << 32, 1 << 32}, nil)
		cols = append(cols, sb.NewArray())
		sb.Release()
	}
	rec := array.NewRecordBatch(wire.Schema(names...), cols, 1)
	for _, c := range cols {
		c.Release()
	}
	return rec
}

func TestFlightClient_CircuitOpens(t *testing.T) {
	// Reserve a port and close it so nothing is listening there.
	lis, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	client, err := NewFlightClient(addr, WithCircuitBreaker(NewCircuitBreaker(2, time.Minute)))
	require.NoError(t, err)
	defer client.Close()

	x := tensor.Zeros(1, 1, 1)
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _, err := client.Attention(ctx, x, x, x, nil, attention.MaskedRowsNaN)
		cancel()
		require.Error(t, err)
		require.False(t, errors.Is(err, ErrCircuitOpen))
	}
	assert.Equal(t, StateOpen, client.Breaker().State())

	_, _, err = client.Attention(context.Background(), x, x, x, nil, attention.MaskedRowsNaN)
	require.ErrorIs(t, err, ErrCircuitOpen)
}

// Make sure the service satisfies the generated Flight interface.
var _ flight.FlightServer = (*server.FlightService)(nil)
