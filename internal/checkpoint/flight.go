package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ssmlab/sidewinder/internal/logger"
)

// Tickets select tensors by "layer" or "layer/name"; the empty ticket
// streams the whole snapshot.
func ticketKey(layer int, name string) string {
	if name == "" {
		if layer < 0 {
			return ""
		}
		return strconv.Itoa(layer)
	}
	return fmt.Sprintf("%d/%s", layer, name)
}

func (s *Snapshot) selectTensors(ticket string) ([]Tensor, error) {
	if ticket == "" {
		return s.Tensors, nil
	}
	layerPart, name, _ := strings.Cut(ticket, "/")
	layer, err := strconv.Atoi(layerPart)
	if err != nil {
		return nil, fmt.Errorf("bad ticket %q: %w", ticket, err)
	}
	var out []Tensor
	for _, t := range s.Tensors {
		if t.Layer == layer && (name == "" || t.Name == name) {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ticket %q matches no tensors", ticket)
	}
	return out, nil
}

// Server serves one snapshot over Arrow Flight.
type Server struct {
	flight.BaseFlightServer

	snap *Snapshot
	srv  flight.Server
}

// NewServer starts a Flight server on addr ("host:0" picks a free port).
func NewServer(addr string, snap *Snapshot) (*Server, error) {
	s := &Server{snap: snap}
	s.srv = flight.NewServerWithMiddleware(nil)
	if err := s.srv.Init(addr); err != nil {
		return nil, fmt.Errorf("flight server init: %w", err)
	}
	s.srv.RegisterFlightService(s)
	go func() {
		if err := s.srv.Serve(); err != nil {
			logger.Log.Error("flight server stopped", "error", err)
		}
	}()
	logger.Log.Info("flight server listening", "addr", s.srv.Addr().String(), "tensors", len(snap.Tensors))
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.srv.Addr().String()
}

// Shutdown stops serving.
func (s *Server) Shutdown() {
	s.srv.Shutdown()
}

// ListFlights announces one flight per layer.
func (s *Server) ListFlights(_ *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	seen := map[int]bool{}
	for _, t := range s.snap.Tensors {
		if seen[t.Layer] {
			continue
		}
		seen[t.Layer] = true
		info, err := s.flightInfo(ticketKey(t.Layer, ""))
		if err != nil {
			return err
		}
		if err := stream.Send(info); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	return s.flightInfo(string(desc.GetCmd()))
}

func (s *Server) flightInfo(ticket string) (*flight.FlightInfo, error) {
	tensors, err := s.snap.selectTensors(ticket)
	if err != nil {
		return nil, err
	}
	var totalBytes int64
	for _, t := range tensors {
		totalBytes += int64(len(t.Data) * t.DType.ElemSize())
	}
	schema := tensorSchema(s.snap.Meta)
	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(schema, memory.NewGoAllocator()),
		FlightDescriptor: &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: []byte(ticket)},
		Endpoint: []*flight.FlightEndpoint{{
			Ticket: &flight.Ticket{Ticket: []byte(ticket)},
		}},
		TotalRecords: int64(len(tensors)),
		TotalBytes:   totalBytes,
	}, nil
}

func (s *Server) GetSchema(ctx context.Context, in *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	schema := tensorSchema(s.snap.Meta)
	return &flight.SchemaResult{Schema: flight.SerializeSchema(schema, memory.NewGoAllocator())}, nil
}

func (s *Server) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	tensors, err := s.snap.selectTensors(string(ticket.GetTicket()))
	if err != nil {
		return err
	}

	mem := memory.NewGoAllocator()
	schema := tensorSchema(s.snap.Meta)
	rec, err := buildRecord(mem, schema, tensors)
	if err != nil {
		return err
	}
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	defer w.Close()
	return w.Write(rec)
}

// Client fetches snapshot tensors from a Flight server.
type Client struct {
	fc flight.Client
}

func NewClient(addr string) (*Client, error) {
	fc, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("flight client: %w", err)
	}
	return &Client{fc: fc}, nil
}

func (c *Client) Close() error {
	return c.fc.Close()
}

// Fetch retrieves tensors by layer and name. Pass layer -1 for every
// layer and name "" for every tensor of a layer. Checksums are verified
// like a local read.
func (c *Client) Fetch(ctx context.Context, layer int, name string) (*Snapshot, error) {
	stream, err := c.fc.DoGet(ctx, &flight.Ticket{Ticket: []byte(ticketKey(layer, name))})
	if err != nil {
		return nil, fmt.Errorf("flight get: %w", err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("flight stream: %w", err)
	}
	defer rdr.Release()

	snap := &Snapshot{Meta: metaFromSchema(rdr.Schema())}
	for rdr.Next() {
		tensors, err := tensorsFromRecord(rdr.Record())
		if err != nil {
			return nil, err
		}
		snap.Tensors = append(snap.Tensors, tensors...)
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("flight stream: %w", err)
	}
	return snap, nil
}
