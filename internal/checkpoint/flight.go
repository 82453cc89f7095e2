package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-smlp/internal/logger"
)

// DefaultFetchTimeout bounds FetchRemote when ctx has no deadline.
const DefaultFetchTimeout = 30 * time.Second

// FlightService serves the checkpoints of one directory. A ticket is a
// checkpoint file name in that directory; ".arrow" may be omitted.
type FlightService struct {
	flight.BaseFlightServer
	dir      string
	log      *logger.Logger
	observer Observer
}

// Observer is told about every DoGet the service answers.
type Observer interface {
	RecordServe(name string, tensors int, elapsed time.Duration, err error)
}

// SetObserver installs o. It must be called before the server starts.
func (s *FlightService) SetObserver(o Observer) {
	s.observer = o
}

func (s *FlightService) Dir() string {
	return s.dir
}

// Checkpoints lists the checkpoint files served from the directory, sorted.
func (s *FlightService) Checkpoints() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".arrow" || ext == ".gguf" {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func NewFlightService(dir string) *FlightService {
	return &FlightService{
		dir: dir,
		log: logger.Log.With("component", "flight", "dir", dir),
	}
}

// NewFlightServer binds addr and registers svc. The caller runs Serve and Shutdown.
func NewFlightServer(addr string, svc *FlightService) (flight.Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("flight listen on %s: %w", addr, err)
	}
	srv.RegisterFlightService(svc)
	return srv, nil
}

func (s *FlightService) lookup(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", status.Errorf(codes.InvalidArgument, "invalid checkpoint name %q", name)
	}
	for _, candidate := range []string{name, name + ".arrow"} {
		path := filepath.Join(s.dir, candidate)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", status.Errorf(codes.NotFound, "checkpoint %q not found", name)
}

func (s *FlightService) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) (err error) {
	name := string(tkt.GetTicket())
	start := time.Now()
	tensors := 0
	if s.observer != nil {
		defer func() { s.observer.RecordServe(name, tensors, time.Since(start), err) }()
	}

	path, err := s.lookup(name)
	if err != nil {
		return err
	}

	ck, err := Load(path)
	if err != nil {
		s.log.Error("Failed to load checkpoint", "name", name, "error", err)
		return status.Errorf(codes.Internal, "load %s: %v", name, err)
	}

	mem := memory.NewGoAllocator()
	rec, err := NewRecord(mem, ck)
	if err != nil {
		return status.Errorf(codes.Internal, "encode %s: %v", name, err)
	}
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	defer func() { _ = w.Close() }()
	if err := w.Write(rec); err != nil {
		return err
	}
	tensors = len(ck.Params)
	s.log.Info("Served checkpoint", "name", name, "id", ck.ID, "tensors", tensors)
	return nil
}

// ListFlights advertises every checkpoint file in the directory.
func (s *FlightService) ListFlights(_ *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	names, err := s.Checkpoints()
	if err != nil {
		return status.Errorf(codes.Internal, "read %s: %v", s.dir, err)
	}
	for _, name := range names {
		var size int64 = -1
		if info, err := os.Stat(filepath.Join(s.dir, name)); err == nil {
			size = info.Size()
		}
		info := &flight.FlightInfo{
			FlightDescriptor: &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{name}},
			Endpoint:         []*flight.FlightEndpoint{{Ticket: &flight.Ticket{Ticket: []byte(name)}}},
			TotalRecords:     1,
			TotalBytes:       size,
		}
		if err := stream.Send(info); err != nil {
			return err
		}
	}
	return nil
}

// FetchRemote downloads the named checkpoint from a Flight server at addr.
func FetchRemote(ctx context.Context, addr, name string) (*Checkpoint, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultFetchTimeout)
		defer cancel()
	}

	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer func() { _ = client.Close() }()

	stream, err := client.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, fmt.Errorf("fetch %s from %s: %w", name, addr, err)
	}
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("fetch %s from %s: %w", name, addr, err)
	}
	defer rdr.Release()

	ck, err := readStream(rdr.Reader)
	if err != nil {
		return nil, fmt.Errorf("fetch %s from %s: %w", name, addr, err)
	}
	logger.Log.Info("Fetched remote checkpoint", "addr", addr, "name", name, "id", ck.ID, "tensors", len(ck.Params))
	return ck, nil
}

// IsNotFound reports whether err carries a gRPC NotFound status.
func IsNotFound(err error) bool {
	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) {
		return se.GRPCStatus().Code() == codes.NotFound
	}
	return false
}
