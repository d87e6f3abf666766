// Package agent is the connector-side half of the bridge. It keeps one
// websocket session to the server, executes inbound trade commands against
// the local terminal, and pushes position deltas, account snapshots and
// heartbeats upstream. While disconnected nothing is queued; samples are
// dropped with a log line and the server resynchronizes from a full snapshot
// after reconnect.
package agent

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/gorilla/websocket"

	"tradebridge/pkg/config"
	"tradebridge/pkg/protocol"
)

const agentVersion = "1.0.0"

const authAckTimeout = 10 * time.Second

// Agent drives the connect/serve loop for one account.
type Agent struct {
	cfg      *config.AgentConfig
	terminal Terminal

	version atomic.Int64 // monotonic across reconnects

	mu   sync.Mutex // guards conn for ordered writes
	conn *websocket.Conn

	lastMu sync.Mutex
	last   map[int64]protocol.Position
}

func New(cfg *config.AgentConfig, terminal Terminal) *Agent {
	return &Agent{
		cfg:      cfg,
		terminal: terminal,
		last:     make(map[int64]protocol.Position),
	}
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff after any failure.
func (a *Agent) Run(ctx context.Context) error {
	retry := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := a.connect(ctx)
		if err != nil {
			delay := connectBackoff(retry)
			retry++
			log.Printf("agent: connect failed: %v (retry in %v)", err, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		retry = 0
		log.Printf("agent: connected to %s as account %s", a.cfg.ServerURL, a.cfg.Account)
		a.serve(ctx, conn)
		log.Printf("agent: session ended, reconnecting")
	}
}

// connect dials the server and completes the authentication handshake.
func (a *Agent) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.ServerURL, nil)
	if err != nil {
		return nil, err
	}

	machine, err := machineid.ID()
	if err != nil {
		log.Printf("agent: machine id unavailable: %v", err)
	}
	env, err := protocol.NewEnvelope(protocol.TypeAuth, "", protocol.Auth{
		Account:   a.cfg.Account,
		Token:     a.cfg.Token,
		MachineID: machine,
		Version:   agentVersion,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteJSON(env); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(authAckTimeout))
	var ack protocol.Envelope
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("await auth ack: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if ack.Type != protocol.TypeAuthAck {
		conn.Close()
		return nil, fmt.Errorf("expected %s, got %s", protocol.TypeAuthAck, ack.Type)
	}
	var result protocol.AuthAck
	if err := ack.DecodePayload(&result); err != nil {
		conn.Close()
		return nil, err
	}
	if !result.OK {
		conn.Close()
		return nil, fmt.Errorf("authentication rejected: %s", result.Error)
	}
	return conn, nil
}

// serve owns one live session. It returns when the read side fails or ctx
// is cancelled.
func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		conn.Close()
	}()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				if sessionCtx.Err() == nil {
					log.Printf("agent: read error: %v", err)
				}
				return
			}
			a.dispatch(sessionCtx, env)
		}
	}()

	// The server's mirror resynchronizes from a full dump after reconnect.
	a.sendFullPositions(sessionCtx)
	a.sendStatus(sessionCtx)

	positions := time.NewTicker(a.cfg.PositionsInterval)
	account := time.NewTicker(a.cfg.AccountInterval)
	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval)
	defer positions.Stop()
	defer account.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-sessionCtx.Done():
			return
		case <-positions.C:
			a.samplePositions(sessionCtx)
		case <-account.C:
			a.sendStatus(sessionCtx)
		case <-heartbeat.C:
			a.send(protocol.TypeHeartbeat, "", nil)
		}
	}
}

// dispatch routes one inbound frame. Commands run on their own goroutine so
// a slow terminal cannot stall heartbeats.
func (a *Agent) dispatch(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeTradeCommand:
		go a.handleCommand(ctx, env)
	case protocol.TypeGetPositions:
		a.sendFullPositions(ctx)
	case protocol.TypeGetAccount:
		a.sendAccount(ctx, env.CorrelationID)
	case protocol.TypePong:
		// liveness answer, nothing to do
	default:
		log.Printf("agent: unhandled frame type %s", env.Type)
	}
}

func (a *Agent) handleCommand(ctx context.Context, env protocol.Envelope) {
	var cmd protocol.TradeCommand
	if err := env.DecodePayload(&cmd); err != nil {
		log.Printf("agent: bad trade command: %v", err)
		a.send(protocol.TypeTradeResult, env.CorrelationID,
			protocol.TradeResult{Success: false, Error: "malformed command"})
		return
	}

	result, err := a.terminal.Execute(ctx, cmd)
	if err != nil {
		result = protocol.TradeResult{Success: false, Error: err.Error()}
	}
	log.Printf("agent: %s %s %s qty=%.2f -> success=%v ticket=%d",
		cmd.Action, cmd.Symbol, cmd.Side, cmd.Qty, result.Success, result.Ticket)
	a.send(protocol.TypeTradeResult, env.CorrelationID, result)

	// The next sample would catch the change anyway; pushing now keeps the
	// mirror close to the terminal.
	a.samplePositions(ctx)
}

// samplePositions reads the terminal and pushes a delta when anything moved.
func (a *Agent) samplePositions(ctx context.Context) {
	list, err := a.terminal.Positions(ctx)
	if err != nil {
		log.Printf("agent: position sample failed: %v", err)
		return
	}
	curr := snapshotMap(list)

	a.lastMu.Lock()
	added, modified, removed := diffPositions(a.last, curr)
	if len(added)+len(modified)+len(removed) == 0 {
		a.lastMu.Unlock()
		return
	}
	a.last = curr
	a.lastMu.Unlock()

	a.send(protocol.TypePositionsUpdate, "", protocol.PositionsUpdate{
		Version:  a.version.Add(1),
		Added:    added,
		Modified: modified,
		Removed:  removed,
	})
}

// sendFullPositions pushes the complete terminal state.
func (a *Agent) sendFullPositions(ctx context.Context) {
	list, err := a.terminal.Positions(ctx)
	if err != nil {
		log.Printf("agent: position dump failed: %v", err)
		return
	}
	a.lastMu.Lock()
	a.last = snapshotMap(list)
	a.lastMu.Unlock()

	a.send(protocol.TypePositionsUpdate, "", protocol.PositionsUpdate{
		Full:    true,
		Version: a.version.Add(1),
		Added:   list,
	})
}

func (a *Agent) sendAccount(ctx context.Context, correlationID string) {
	info, err := a.terminal.Account(ctx)
	if err != nil {
		log.Printf("agent: account read failed: %v", err)
		return
	}
	a.send(protocol.TypeAccountInfo, correlationID, info)
}

func (a *Agent) sendStatus(ctx context.Context) {
	info, err := a.terminal.Account(ctx)
	if err != nil {
		log.Printf("agent: account read failed: %v", err)
		return
	}
	spreads, err := a.terminal.Spreads(ctx)
	if err != nil {
		log.Printf("agent: spread read failed: %v", err)
	}
	a.send(protocol.TypeStatusHeartbeat, "", protocol.StatusHeartbeat{
		Connected: info.Connected,
		Account:   info,
		Spreads:   spreads,
	})
}

// send writes one frame on the current session. Writes are serialized; while
// disconnected the frame is dropped with a log line.
func (a *Agent) send(t protocol.MessageType, correlationID string, payload any) {
	env, err := protocol.NewEnvelope(t, correlationID, payload)
	if err != nil {
		log.Printf("agent: encode %s failed: %v", t, err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		log.Printf("agent: disconnected, dropping %s frame", t)
		return
	}
	if err := a.conn.WriteJSON(env); err != nil {
		log.Printf("agent: write %s failed: %v", t, err)
	}
}
