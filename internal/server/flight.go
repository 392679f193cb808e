package server

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-fletcher/internal/attention"
	"github.com/23skdu/longbow-fletcher/internal/tensor"
	"github.com/23skdu/longbow-fletcher/internal/wire"
)

// FlightService answers attention requests over Arrow Flight DoExchange. Each
// incoming record carries q, k, v and optionally mask columns; each reply
// record carries output and weights.
type FlightService struct {
	flight.BaseFlightServer
	engine Engine
	alloc  memory.Allocator
}

func NewFlightService(engine Engine) *FlightService {
	return &FlightService{
		engine: engine,
		alloc:  memory.NewGoAllocator(),
	}
}

func (s *FlightService) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx, span := tracer.Start(stream.Context(), "flight.DoExchange")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "reading request stream: %v", err)
	}
	defer reader.Release()

	policy, err := policyFromDescriptor(reader.LatestFlightDescriptor())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	span.SetAttributes(attribute.String("masked_rows", policy.String()))

	var writer *flight.Writer
	defer func() {
		if writer != nil {
			writer.Close()
		}
	}()

	records := 0
	for reader.Next() {
		tensors, err := wire.DecodeTensors(reader.Record())
		if err != nil {
			flightExchanges.WithLabelValues("invalid").Inc()
			return status.Error(codes.InvalidArgument, err.Error())
		}

		out, weights, err := s.engine.Attention(ctx, tensors["q"], tensors["k"], tensors["v"], tensors["mask"], policy)
		if err != nil {
			flightExchanges.WithLabelValues("invalid").Inc()
			return toStatus(err)
		}

		rec, err := wire.EncodeTensors(s.alloc,
			wire.Named{Name: "output", Tensor: out},
			wire.Named{Name: "weights", Tensor: weights},
		)
		if err != nil {
			flightExchanges.WithLabelValues("error").Inc()
			return toStatus(err)
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			flightExchanges.WithLabelValues("error").Inc()
			return err
		}
		flightExchanges.WithLabelValues("ok").Inc()
		records++
	}
	if err := reader.Err(); err != nil {
		log.Error().Err(err).Msg("Error reading Flight exchange")
		return err
	}

	span.SetAttributes(attribute.Int("records", records))
	log.Debug().Int("records", records).Msg("DoExchange finished")
	return nil
}

// policyFromDescriptor reads the masked row policy from a path descriptor of
// the form ["attention"] or ["attention", "<policy>"].
func policyFromDescriptor(desc *flight.FlightDescriptor) (attention.MaskedRowPolicy, error) {
	if desc == nil || len(desc.Path) == 0 {
		return attention.MaskedRowsNaN, nil
	}
	if desc.Path[0] != "attention" {
		return 0, fmt.Errorf("unknown exchange %q", desc.Path[0])
	}
	if len(desc.Path) == 1 {
		return attention.MaskedRowsNaN, nil
	}
	return attention.ParseMaskedRowPolicy(desc.Path[1])
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, tensor.ErrIncompatibleShape),
		errors.Is(err, wire.ErrMalformedRecord):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// NewFlightServer creates a Flight server for the service bound to addr.
// The caller runs Serve and Shutdown.
func NewFlightServer(addr string, svc *FlightService) (flight.Server, error) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(svc)

	if err := server.Init(addr); err != nil {
		return nil, fmt.Errorf("init flight server: %w", err)
	}
	log.Info().Str("addr", server.Addr().String()).Msg("Fletcher Flight Server listening")
	return server, nil
}
