package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-fletcher/internal/attention"
	"github.com/23skdu/longbow-fletcher/internal/tensor"
	"github.com/23skdu/longbow-fletcher/internal/wire"
)

// AttentionPath is the descriptor path that selects the attention exchange.
// An optional second element carries the masked row policy.
const AttentionPath = "attention"

// FlightClient runs attention on a remote Fletcher server via Apache Flight.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	alloc   memory.Allocator
	breaker *CircuitBreaker
}

// Option configures a FlightClient.
type Option func(*FlightClient)

// WithCircuitBreaker replaces the default breaker (5 failures, 10s timeout).
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(c *FlightClient) {
		c.breaker = cb
	}
}

// WithAllocator sets the allocator used for outgoing and incoming records.
func WithAllocator(mem memory.Allocator) Option {
	return func(c *FlightClient) {
		c.alloc = mem
	}
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string, opts ...Option) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	c := &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		alloc:   memory.NewGoAllocator(),
		breaker: NewCircuitBreaker(5, 10*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Breaker exposes the circuit breaker guarding this client.
func (c *FlightClient) Breaker() *CircuitBreaker {
	return c.breaker
}

// Attention sends q, k, v and the optional mask in one record and returns the
// output and weights computed by the server. Shape errors reported by the
// server wrap tensor.ErrIncompatibleShape and do not count against the
// breaker. While the breaker is open the call fails with ErrCircuitOpen.
func (c *FlightClient) Attention(ctx context.Context, q, k, v, mask *tensor.Tensor, policy attention.MaskedRowPolicy) (output, weights *tensor.Tensor, err error) {
	callerFault := func(err error) bool {
		return errors.Is(err, tensor.ErrIncompatibleShape) || ctx.Err() != nil
	}
	err = c.breaker.Execute(func() error {
		var err error
		output, weights, err = c.exchange(ctx, q, k, v, mask, policy)
		return err
	}, callerFault)
	if err != nil {
		return nil, nil, err
	}
	return output, weights, nil
}

func (c *FlightClient) exchange(ctx context.Context, q, k, v, mask *tensor.Tensor, policy attention.MaskedRowPolicy) (*tensor.Tensor, *tensor.Tensor, error) {
	rec, err := wire.EncodeTensors(c.alloc,
		wire.Named{Name: "q", Tensor: q},
		wire.Named{Name: "k", Tensor: k},
		wire.Named{Name: "v", Tensor: v},
		wire.Named{Name: "mask", Tensor: mask},
	)
	if err != nil {
		return nil, nil, err
	}
	defer rec.Release()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, nil, fromStatus(err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{AttentionPath, policy.String()},
	})
	// A send error means the server already closed the stream; the real
	// status comes back on the read side.
	_ = writer.Write(rec)
	_ = writer.Close()
	if err := stream.CloseSend(); err != nil {
		return nil, nil, fromStatus(err)
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
	if err != nil {
		return nil, nil, fromStatus(err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, nil, fromStatus(err)
		}
		return nil, nil, fmt.Errorf("%w: no result record", wire.ErrMalformedRecord)
	}

	got, err := wire.DecodeTensors(reader.Record())
	if err != nil {
		return nil, nil, err
	}
	output, weights := got["output"], got["weights"]
	if output == nil || weights == nil {
		return nil, nil, fmt.Errorf("%w: result lacks output or weights", wire.ErrMalformedRecord)
	}
	return output, weights, nil
}

func fromStatus(err error) error {
	if st, ok := status.FromError(err); ok && st.Code() == codes.InvalidArgument {
		return fmt.Errorf("%w: %s", tensor.ErrIncompatibleShape, st.Message())
	}
	return err
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
