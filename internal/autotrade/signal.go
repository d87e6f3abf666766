package autotrade

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Signal is one prediction for a symbol. Direction is BUY, SELL or NONE.
type Signal struct {
	Direction  string
	Confidence float64
	Stop       float64
	Target     float64
}

// Signaler produces trade signals. The prediction subsystem is a black box
// behind this interface.
type Signaler interface {
	GetSignal(ctx context.Context, symbol, strategy string) (*Signal, error)
}

// GRPCSignaler asks a remote prediction worker for signals. The worker speaks
// a loosely typed contract, so requests and responses travel as Struct values
// instead of a generated stub.
type GRPCSignaler struct {
	conn *grpc.ClientConn
}

const signalMethod = "/prediction.SignalService/GetSignal"

func NewGRPCSignaler(addr string) (*GRPCSignaler, error) {
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &GRPCSignaler{conn: conn}, nil
}

func (g *GRPCSignaler) Close() error {
	if g.conn == nil {
		return nil
	}
	return g.conn.Close()
}

// GetSignal requests one prediction. A worker that has no opinion returns
// direction NONE; callers treat that as a skip, not an error.
func (g *GRPCSignaler) GetSignal(ctx context.Context, symbol, strategy string) (*Signal, error) {
	req, err := structpb.NewStruct(map[string]any{
		"symbol":   symbol,
		"strategy": strategy,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, signalMethod, req, resp); err != nil {
		return nil, fmt.Errorf("signal request for %s: %w", symbol, err)
	}

	fields := resp.GetFields()
	return &Signal{
		Direction:  fields["direction"].GetStringValue(),
		Confidence: fields["confidence"].GetNumberValue(),
		Stop:       fields["stop"].GetNumberValue(),
		Target:     fields["target"].GetNumberValue(),
	}, nil
}
