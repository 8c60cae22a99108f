package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rawblock/rps-arena/internal/lobby"
	"github.com/rawblock/rps-arena/internal/protocol"
)

// Connection timing and framing limits.
const (
	maxFrameBytes  = 16 * 1024
	helloTimeout   = 10 * time.Second
	pingInterval   = 5 * time.Second
	pongWait       = 15 * time.Second
	writeWait      = 5 * time.Second
	requestTimeout = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // session auth, not origin, is the boundary
	},
}

// client is one authenticated websocket connection. A dedicated writer
// goroutine serializes all frame writes; the read loop owns dispatch.
type client struct {
	srv  *Server
	conn *websocket.Conn
	ip   string

	userID    uuid.UUID
	wallet    string
	sessionID uuid.UUID
	nextToken string // rotated token, delivered in WELCOME

	limiter *frameLimiter

	sendCh  chan []byte
	closeCh chan []byte // close frame payload, at most one
	once    sync.Once
}

// handleWS is the websocket endpoint on both listeners.
func (s *Server) handleWS(c *gin.Context) {
	ip := c.ClientIP()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Gateway] upgrade failed: %v", err)
		return
	}

	if !s.connLimiter.Acquire(ip) {
		msg := websocket.FormatCloseMessage(protocol.CloseTooManyConnections, "too many connections")
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		conn.Close()
		return
	}

	cl := &client{
		srv:     s,
		conn:    conn,
		ip:      ip,
		limiter: newFrameLimiter(),
		sendCh:  make(chan []byte, sendQueueSize),
		closeCh: make(chan []byte, 1),
	}
	conn.SetReadLimit(maxFrameBytes)
	go cl.run()
}

// run drives the handshake and then the read loop. Returning tears the
// connection down.
func (cl *client) run() {
	defer cl.srv.connLimiter.Release(cl.ip)
	defer cl.close()

	if !cl.handshake() {
		return
	}
	go cl.writePump()
	defer cl.teardown()

	cl.welcome()
	cl.readLoop()
}

// handshake requires a valid HELLO as the first frame. On success the
// session token is rotated: the old token dies with any connection that
// still holds it.
func (cl *client) handshake() bool {
	_ = cl.conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, raw, err := cl.conn.ReadMessage()
	if err != nil {
		return false
	}

	msg, err := protocol.Decode(raw, cl.srv.lobbyCount, cl.srv.profile)
	if err != nil {
		cl.rejectHandshake("first frame must be HELLO")
		return false
	}
	hello, ok := msg.(protocol.Hello)
	if !ok {
		cl.rejectHandshake("first frame must be HELLO")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	sess, err := cl.srv.store.GetSessionByToken(ctx, hello.SessionToken)
	if err != nil {
		cl.rejectHandshake("invalid or expired session")
		return false
	}
	user, err := cl.srv.store.GetUser(ctx, sess.UserID)
	if err != nil {
		cl.rejectHandshake("invalid or expired session")
		return false
	}
	newToken, err := cl.srv.store.RotateSession(ctx, sess.ID)
	if err != nil {
		log.Printf("[Gateway] rotate session %s: %v", sess.ID, err)
		cl.rejectHandshake("invalid or expired session")
		return false
	}

	cl.userID = user.ID
	cl.wallet = user.Wallet
	cl.sessionID = sess.ID

	// One live connection per user. The superseded socket gets 1008 and
	// its token is already invalid.
	if old := cl.srv.hub.register(cl); old != nil {
		old.closeWith(protocol.CloseDuplicateReconnect, "superseded by a new connection")
	}

	cl.nextToken = newToken
	return true
}

func (cl *client) rejectHandshake(reason string) {
	frame := protocol.ErrorFrame(protocol.CodeInvalidSession, reason)
	_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = cl.conn.WriteMessage(websocket.TextMessage, frame)
	msg := websocket.FormatCloseMessage(protocol.CloseInvalidSession, reason)
	_ = cl.conn.WriteMessage(websocket.CloseMessage, msg)
}

// welcome sends the post-handshake state: WELCOME with the rotated token,
// the lobby list, and the full match state if the user is mid-game.
func (cl *client) welcome() {
	cl.send(protocol.Marshal(protocol.TypeWelcome, map[string]any{
		"userId":       cl.userID.String(),
		"wallet":       cl.wallet,
		"sessionToken": cl.nextToken,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if summaries, err := cl.srv.lobbies.Summaries(ctx); err == nil {
		cl.send(protocol.Marshal(protocol.TypeLobbyList, map[string]any{"lobbies": summaries}))
	} else {
		log.Printf("[Gateway] lobby summaries: %v", err)
	}

	if frame := cl.srv.matches.HandleReconnect(cl.userID); frame != nil {
		cl.send(frame)
	}
}

// readLoop dispatches inbound frames until the socket dies.
func (cl *client) readLoop() {
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Gateway] read error for %s: %v", cl.userID, err)
			}
			return
		}
		cl.dispatch(raw)
	}
}

func (cl *client) dispatch(raw []byte) {
	msg, err := protocol.Decode(raw, cl.srv.lobbyCount, cl.srv.profile)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			cl.send(protocol.ErrorFrame(de.Code, de.Message))
		} else {
			cl.send(protocol.ErrorFrame(protocol.CodeInternalError, "malformed frame"))
		}
		return
	}

	switch m := msg.(type) {
	case protocol.Input:
		if !cl.limiter.allowInput() {
			cl.send(protocol.ErrorFrame(protocol.CodeRateLimited, "input rate exceeded"))
			return
		}
		cl.srv.matches.HandleInput(cl.userID, &m)

	case protocol.JoinLobby:
		if !cl.limiter.allowOther() {
			cl.send(protocol.ErrorFrame(protocol.CodeRateLimited, "rate exceeded"))
			return
		}
		cl.joinLobby(m)

	case protocol.RequestRefund:
		if !cl.limiter.allowOther() {
			cl.send(protocol.ErrorFrame(protocol.CodeRateLimited, "rate exceeded"))
			return
		}
		cl.requestRefund()

	case protocol.Ping:
		if !cl.limiter.allowOther() {
			return // silently drop ping floods
		}
		pong := map[string]any{"serverTime": float64(time.Now().UnixMilli())}
		if m.ClientTime != nil {
			pong["clientTime"] = *m.ClientTime
		}
		cl.send(protocol.Marshal(protocol.TypePong, pong))

	case protocol.Hello:
		cl.send(protocol.ErrorFrame(protocol.CodeInvalidSession, "already authenticated"))
	}
}

// joinLobby runs the paid admit. The admin listener trusts the tx hash;
// the public one verifies the deposit on chain, which can take a while,
// so the join gets its own timeout off the read path budget.
func (cl *client) joinLobby(m protocol.JoinLobby) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var err error
	if cl.srv.profile == protocol.ProfileAdmin {
		_, _, err = cl.srv.lobbies.JoinTrusted(ctx, cl.userID, m.LobbyID, m.PaymentTxHash)
	} else {
		_, _, err = cl.srv.lobbies.Join(ctx, cl.userID, m.LobbyID, m.PaymentTxHash)
	}
	if err != nil {
		cl.sendLobbyError(err)
	}
}

func (cl *client) requestRefund() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := cl.srv.lobbies.RequestRefund(ctx, cl.userID); err != nil {
		cl.sendLobbyError(err)
	}
}

func (cl *client) sendLobbyError(err error) {
	var le *lobby.Error
	if errors.As(err, &le) {
		cl.send(protocol.ErrorFrame(le.Code, le.Message))
		return
	}
	if errors.Is(err, lobby.ErrManualIntervention) {
		cl.send(protocol.ErrorFrame(protocol.CodeInternalError, "refund requires operator attention"))
		return
	}
	log.Printf("[Gateway] lobby op for %s: %v", cl.userID, err)
	cl.send(protocol.ErrorFrame(protocol.CodeInternalError, "internal error"))
}

// writePump serializes all socket writes and keeps the ping cadence.
func (cl *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cl.close()

	for {
		select {
		case frame, ok := <-cl.sendCh:
			if !ok {
				return
			}
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case msg := <-cl.closeCh:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = cl.conn.WriteMessage(websocket.CloseMessage, msg)
			return
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// send queues a frame; a full queue means the client cannot keep up and
// the connection is cut rather than letting it backpressure the server.
func (cl *client) send(frame []byte) {
	if frame == nil {
		return
	}
	select {
	case cl.sendCh <- frame:
	default:
		log.Printf("[Gateway] send queue full for %s, dropping connection", cl.userID)
		cl.close()
	}
}

// closeWith asks the write pump to deliver a close frame before teardown.
func (cl *client) closeWith(code int, reason string) {
	select {
	case cl.closeCh <- websocket.FormatCloseMessage(code, reason):
	default:
	}
	// The pump exits after writing the close frame; if it is already
	// gone this closes the socket directly.
	time.AfterFunc(writeWait, cl.close)
}

func (cl *client) close() {
	cl.once.Do(func() {
		cl.conn.Close()
	})
}

// teardown runs when an authenticated connection ends: the match layer
// starts the reconnect grace, the hub forgets the socket.
func (cl *client) teardown() {
	cl.srv.hub.unregister(cl)
	cl.srv.matches.HandleDisconnect(cl.userID)
	log.Printf("[Gateway] %s disconnected (session %s)", cl.wallet, cl.sessionID)
}
