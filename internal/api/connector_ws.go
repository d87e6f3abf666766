package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradebridge/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	authDeadline  = 10 * time.Second
	sendBuffer    = 64
	writeDeadline = 10 * time.Second
)

// wsSession is one live connector channel. All writes flow through a single
// pump goroutine so frames reach the agent in the order they were sent.
type wsSession struct {
	conn *websocket.Conn
	out  chan protocol.Envelope
	once sync.Once
	done chan struct{}
}

func newWsSession(conn *websocket.Conn) *wsSession {
	return &wsSession{
		conn: conn,
		out:  make(chan protocol.Envelope, sendBuffer),
		done: make(chan struct{}),
	}
}

func (w *wsSession) Send(env protocol.Envelope) error {
	select {
	case <-w.done:
		return errors.New("session closed")
	case w.out <- env:
		return nil
	default:
		return errors.New("session send buffer full")
	}
}

func (w *wsSession) Close() error {
	w.once.Do(func() { close(w.done) })
	return w.conn.Close()
}

func (w *wsSession) writePump() {
	for {
		select {
		case <-w.done:
			return
		case env := <-w.out:
			w.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := w.conn.WriteJSON(env); err != nil {
				log.Printf("connector ws: write failed: %v", err)
				w.Close()
				return
			}
		}
	}
}

// connectorWS upgrades the connection, runs the authentication handshake and
// then serves the read loop until the agent drops.
func (s *Server) connectorWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("connector ws: upgrade error: %v", err)
		return
	}

	account, auth, ok := s.authenticate(conn)
	if !ok {
		conn.Close()
		return
	}

	sess := newWsSession(conn)
	go sess.writePump()
	s.Registry.Register(account, sess, auth.MachineID)
	defer s.Registry.Unregister(account, sess)

	s.readLoop(account, sess)
}

// authenticate expects an AUTH frame within the deadline and answers with
// AUTH_ACK either way.
func (s *Server) authenticate(conn *websocket.Conn) (string, protocol.Auth, bool) {
	refuse := func(reason string) (string, protocol.Auth, bool) {
		env, err := protocol.NewEnvelope(protocol.TypeAuthAck, "", protocol.AuthAck{OK: false, Error: reason})
		if err == nil {
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			_ = conn.WriteJSON(env)
		}
		log.Printf("connector ws: handshake refused: %s", reason)
		return "", protocol.Auth{}, false
	}

	conn.SetReadDeadline(time.Now().Add(authDeadline))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return refuse("no auth frame received")
	}
	conn.SetReadDeadline(time.Time{})

	if env.Type != protocol.TypeAuth {
		return refuse("first frame must be AUTH")
	}
	var auth protocol.Auth
	if err := env.DecodePayload(&auth); err != nil {
		return refuse("malformed AUTH payload")
	}
	if auth.Account == "" {
		return refuse("account is required")
	}

	tokenAccount, err := ValidateConnectorToken(auth.Token, s.JWTSecret)
	if err != nil {
		return refuse("invalid token")
	}
	if tokenAccount != auth.Account {
		return refuse("token was minted for a different account")
	}

	ack, err := protocol.NewEnvelope(protocol.TypeAuthAck, "", protocol.AuthAck{
		OK:                true,
		HeartbeatInterval: int(s.HeartbeatInterval.Seconds()),
	})
	if err != nil {
		return refuse("internal error")
	}
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteJSON(ack); err != nil {
		log.Printf("connector ws: auth ack write failed: %v", err)
		return "", protocol.Auth{}, false
	}
	return auth.Account, auth, true
}

// readLoop dispatches inbound frames until the read side fails.
func (s *Server) readLoop(account string, sess *wsSession) {
	for {
		var env protocol.Envelope
		if err := sess.conn.ReadJSON(&env); err != nil {
			log.Printf("connector ws: account %s read loop ended: %v", account, err)
			sess.Close()
			return
		}
		s.dispatchConnector(account, sess, env)
	}
}

func (s *Server) dispatchConnector(account string, sess *wsSession, env protocol.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case protocol.TypeHeartbeat:
		// Receive time, not the agent-stamped one; a skewed agent clock
		// must not make a live session look stale.
		s.Registry.MarkHeartbeat(account, time.Now())
		if pong, err := protocol.NewEnvelope(protocol.TypePong, env.CorrelationID, nil); err == nil {
			_ = sess.Send(pong)
		}

	case protocol.TypeTradeResult:
		var result protocol.TradeResult
		if err := env.DecodePayload(&result); err != nil {
			log.Printf("connector ws: bad TRADE_RESULT from %s: %v", account, err)
			return
		}
		if !s.Execution.Resolve(env.CorrelationID, result) {
			log.Printf("connector ws: unmatched TRADE_RESULT correlation %s from %s dropped",
				env.CorrelationID, account)
		}

	case protocol.TypePositionsUpdate:
		var update protocol.PositionsUpdate
		if err := env.DecodePayload(&update); err != nil {
			log.Printf("connector ws: bad POSITIONS_UPDATE from %s: %v", account, err)
			return
		}
		s.Reconciler.Apply(ctx, account, update)

	case protocol.TypeStatusHeartbeat:
		var status protocol.StatusHeartbeat
		if err := env.DecodePayload(&status); err != nil {
			log.Printf("connector ws: bad STATUS_HEARTBEAT from %s: %v", account, err)
			return
		}
		s.Registry.MarkHeartbeat(account, time.Now())
		if s.Spreads != nil {
			s.Spreads.Update(account, status.Spreads)
		}

	case protocol.TypeAccountInfo:
		// on-demand snapshot answer, currently informational only

	default:
		log.Printf("connector ws: unhandled frame type %s from %s", env.Type, account)
	}
}
