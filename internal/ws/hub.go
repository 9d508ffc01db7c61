package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/evetabi/crash/internal/config"
	"github.com/evetabi/crash/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Tunables
// ──────────────────────────────────────────────────────────────────────────────

const (
	writeDeadline  = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 35 * time.Second // must be > pingInterval
	maxMessageSize = 1024             // bytes; the largest inbound frame is place_bet
	sendBufferSize = 256              // messages in each client send channel
)

// ──────────────────────────────────────────────────────────────────────────────
// Collaborator interfaces
// ──────────────────────────────────────────────────────────────────────────────

// GameEngine is the slice of the engine the hub drives on behalf of clients.
type GameEngine interface {
	PlaceBet(ctx context.Context, userID uuid.UUID, username string, usdAmount decimal.Decimal, currency domain.Currency, autoCashOut *decimal.Decimal) (*domain.Bet, error)
	Cashout(ctx context.Context, userID uuid.UUID) (*domain.Bet, error)
	Snapshot(ctx context.Context) (domain.RoundSnapshot, error)
	History(ctx context.Context, limit int) ([]*domain.Round, error)
}

// StatsSource answers get_user_stats requests.
type StatsSource interface {
	Stats(ctx context.Context, userID uuid.UUID) (domain.UserStats, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Client
// ──────────────────────────────────────────────────────────────────────────────

// Client represents one authenticated WebSocket endpoint.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte // buffered outbound message queue
	userID   uuid.UUID
	username string
	limiter  *rateLimiter
}

// rateLimiter is a sliding-window counter.  It is only touched from the
// owning client's readPump goroutine, so it needs no locking.
type rateLimiter struct {
	ops    int
	window time.Duration
	hits   []time.Time
}

func newRateLimiter(ops int, window time.Duration) *rateLimiter {
	return &rateLimiter{ops: ops, window: window}
}

// allow records one operation at time now and reports whether it fits the
// window budget.
func (l *rateLimiter) allow(now time.Time) bool {
	cutoff := now.Add(-l.window)
	kept := l.hits[:0]
	for _, t := range l.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.hits = kept
	if len(l.hits) >= l.ops {
		return false
	}
	l.hits = append(l.hits, now)
	return true
}

// ──────────────────────────────────────────────────────────────────────────────
// Hub
// ──────────────────────────────────────────────────────────────────────────────

// Hub maintains the set of active clients, routes broadcast game events, and
// dispatches inbound client commands to the engine.
// Run() must be called in a dedicated goroutine before ServeWs is used.
type Hub struct {
	// Registered clients and their concurrency guard.
	mu      sync.RWMutex
	clients map[*Client]bool

	// channels consumed by Run()
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	engine GameEngine
	stats  StatsSource

	// JWT signing key.  Connections without a valid access token are refused.
	jwtSecret []byte

	rate config.RateLimitConfig
	log  *slog.Logger

	// upgrader is safe for concurrent use after construction.
	upgrader websocket.Upgrader
}

// NewHub creates a Hub ready to be started with Run().  The engine is wired
// afterwards via SetEngine because the engine itself broadcasts through the
// hub.
func NewHub(stats StatsSource, jwtSecret []byte, allowedOrigins []string, rate config.RateLimitConfig, log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 512),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stats:      stats,
		jwtSecret:  jwtSecret,
		rate:       rate,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true // dev mode: allow all
				}
				origin := r.Header.Get("Origin")
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

// SetEngine wires the game engine the hub dispatches client commands to.
// Must be called before Run.
func (h *Hub) SetEngine(engine GameEngine) { h.engine = engine }

// ──────────────────────────────────────────────────────────────────────────────
// Run — hub event loop
// ──────────────────────────────────────────────────────────────────────────────

// Run processes registration, unregistration, and broadcast events
// sequentially.  Call it once as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client's buffer full — drop the message for this client.
					// The writePump will detect a stalled connection separately.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ConnectedCount returns the current number of connected clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ──────────────────────────────────────────────────────────────────────────────
// ServeWs — HTTP → WebSocket upgrade
// ──────────────────────────────────────────────────────────────────────────────

// ServeWs upgrades an HTTP request to a WebSocket connection, authenticates
// the caller via the JWT in the ?token= query parameter, sends the current
// game state, and starts the read/write pumps.  Connections without a valid
// access token receive an error frame and are closed.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "error", err)
		return
	}

	userID, username, err := h.parseJWT(r.URL.Query().Get("token"))
	if err != nil {
		h.refuse(conn, domain.Code(domain.ErrUnauthenticated), "valid access token required")
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		userID:   userID,
		username: username,
		limiter:  newRateLimiter(h.rate.OpsPerWindow, h.rate.Window),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()

	// The freshly connected client gets the full round view before any
	// incremental events reach it.
	if snap, err := h.engine.Snapshot(r.Context()); err == nil {
		h.sendTo(client, GameStateMessage{
			Type:      MsgTypeGameState,
			Round:     snap,
			Timestamp: time.Now().UTC(),
		})
	}
}

// refuse writes a single error frame followed by a close frame, then drops
// the connection.  Used before the client is registered.
func (h *Hub) refuse(conn *websocket.Conn, code, message string) {
	data, err := json.Marshal(ErrorMessage{Type: MsgTypeError, Code: code, Message: message})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code))
	conn.Close()
}

// parseJWT validates a signed access token and extracts the user identity.
func (h *Hub) parseJWT(tokenString string) (uuid.UUID, string, error) {
	if tokenString == "" {
		return uuid.Nil, "", domain.ErrUnauthenticated
	}
	tok, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return h.jwtSecret, nil
	})
	if err != nil || !tok.Valid {
		return uuid.Nil, "", domain.ErrTokenInvalid
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, "", domain.ErrTokenInvalid
	}
	if typ, _ := claims["type"].(string); typ != "access" {
		return uuid.Nil, "", domain.ErrTokenInvalid
	}
	sub, _ := claims.GetSubject()
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, "", domain.ErrTokenInvalid
	}
	username, _ := claims["username"].(string)
	return id, username, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Client pumps
// ──────────────────────────────────────────────────────────────────────────────

// writePump drains the client's send channel and writes messages to the
// WebSocket connection.  It also sends ping frames every pingInterval.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				// Hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads command frames from the WebSocket connection and dispatches
// them to the engine.  Frames are handled one at a time in arrival order, so
// a client's own commands never race each other.  When the connection drops
// the client is unregistered.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("unexpected ws close", "user_id", c.userID, "error", err)
			}
			return
		}
		if !c.dispatch(raw) {
			return
		}
	}
}

// dispatch decodes one inbound frame and executes it.  Errors are reported
// to this client only; successes surface as broadcast game events.  The
// return value is false when the connection must be dropped.
func (c *Client) dispatch(raw []byte) bool {
	if !c.limiter.allow(time.Now()) {
		// Budget exhausted: explain, then drop the connection.  Unregistering
		// closes the send channel; the writePump drains the queued error frame
		// and follows it with a close frame.
		c.hub.SendError(c, domain.Code(domain.ErrRateLimited), domain.ErrRateLimited.Error())
		return false
	}

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.hub.SendError(c, domain.Code(domain.ErrBadRequest), "cannot decode message")
		return true
	}

	ctx := context.Background()
	switch frame.Type {
	case MsgTypePlaceBet:
		_, err := c.hub.engine.PlaceBet(ctx, c.userID, c.username, frame.USDAmount, frame.Currency, frame.AutoCashOut)
		if err != nil {
			c.hub.SendError(c, domain.Code(err), err.Error())
		}

	case MsgTypeCashout:
		if _, err := c.hub.engine.Cashout(ctx, c.userID); err != nil {
			c.hub.SendError(c, domain.Code(err), err.Error())
		}

	case MsgTypeGetGameHistory:
		rounds, err := c.hub.engine.History(ctx, frame.Limit)
		if err != nil {
			c.hub.SendError(c, domain.Code(err), "cannot load history")
			return true
		}
		snaps := make([]domain.RoundSnapshot, 0, len(rounds))
		for _, r := range rounds {
			snaps = append(snaps, r.ToSnapshot())
		}
		c.hub.sendTo(c, GameHistoryMessage{
			Type:      MsgTypeGameHistory,
			Rounds:    snaps,
			Timestamp: time.Now().UTC(),
		})

	case MsgTypeGetUserStats:
		stats, err := c.hub.stats.Stats(ctx, c.userID)
		if err != nil {
			c.hub.SendError(c, domain.Code(err), "cannot load stats")
			return true
		}
		c.hub.sendTo(c, UserStatsMessage{
			Type:      MsgTypeUserStats,
			Stats:     stats,
			Timestamp: time.Now().UTC(),
		})

	case MsgTypePing:
		c.hub.sendTo(c, PongMessage{Type: MsgTypePong, Timestamp: time.Now().UTC()})

	default:
		c.hub.SendError(c, domain.Code(domain.ErrBadRequest), "unknown message type")
	}
	return true
}

// ──────────────────────────────────────────────────────────────────────────────
// Game event fan-out — implements engine.EventSink
// ──────────────────────────────────────────────────────────────────────────────

// RoundCreated broadcasts the opening of a betting window.
func (h *Hub) RoundCreated(s domain.RoundSnapshot) {
	h.broadcastJSON(NewRoundMessage{
		Type:        MsgTypeNewRound,
		RoundID:     s.RoundID,
		RoundNumber: s.RoundNumber,
		Hash:        s.Hash,
		Timestamp:   time.Now().UTC(),
	})
}

// RoundStarted broadcasts the start of the multiplier flight.
func (h *Hub) RoundStarted(s domain.RoundSnapshot) {
	h.broadcastJSON(GameStartedMessage{
		Type:      MsgTypeGameStarted,
		RoundID:   s.RoundID,
		Timestamp: time.Now().UTC(),
	})
}

// MultiplierTick broadcasts the current multiplier.
func (h *Hub) MultiplierTick(roundID string, multiplier decimal.Decimal) {
	h.broadcastJSON(MultiplierUpdateMessage{
		Type:       MsgTypeMultiplierUpdate,
		RoundID:    roundID,
		Multiplier: multiplier,
		Timestamp:  time.Now().UTC(),
	})
}

// BetPlaced broadcasts an accepted wager.
func (h *Hub) BetPlaced(roundID string, bet *domain.Bet) {
	h.broadcastJSON(BetPlacedMessage{
		Type:        MsgTypeBetPlaced,
		RoundID:     roundID,
		Username:    bet.Username,
		USDAmount:   bet.USDAmount,
		Currency:    bet.Currency,
		AutoCashOut: bet.AutoCashOut,
		Timestamp:   time.Now().UTC(),
	})
}

// CashedOut broadcasts a settled win.
func (h *Hub) CashedOut(roundID string, bet *domain.Bet, isAuto bool) {
	msg := PlayerCashoutMessage{
		Type:      MsgTypePlayerCashout,
		RoundID:   roundID,
		Username:  bet.Username,
		IsAuto:    isAuto,
		Timestamp: time.Now().UTC(),
	}
	if bet.CashedOutAt != nil {
		msg.Multiplier = *bet.CashedOutAt
	}
	if bet.PayoutUSD != nil {
		msg.USDPayout = *bet.PayoutUSD
	}
	if bet.ProfitUSD != nil {
		msg.Profit = *bet.ProfitUSD
	}
	h.broadcastJSON(msg)
}

// RoundCrashed broadcasts the end of a round and reveals the seed.
func (h *Hub) RoundCrashed(s domain.RoundSnapshot) {
	h.broadcastJSON(GameCrashedMessage{
		Type:       MsgTypeGameCrashed,
		RoundID:    s.RoundID,
		CrashPoint: s.CrashPoint,
		Seed:       s.Seed,
		Timestamp:  time.Now().UTC(),
	})
}

// RoundAborted broadcasts a voided round.
func (h *Hub) RoundAborted(s domain.RoundSnapshot) {
	h.broadcastJSON(RoundAbortedMessage{
		Type:      MsgTypeRoundAborted,
		RoundID:   s.RoundID,
		Reason:    "round could not be persisted",
		Timestamp: time.Now().UTC(),
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Delivery helpers
// ──────────────────────────────────────────────────────────────────────────────

// broadcastJSON is the common marshalling path for fan-out messages.
func (h *Hub) broadcastJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("ws marshal error", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("ws broadcast channel full, message dropped")
	}
}

// sendTo writes a message directly to one client's send channel.
func (h *Hub) sendTo(client *Client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("ws marshal error", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// SendError writes an error message directly to one client's send channel.
func (h *Hub) SendError(client *Client, code, message string) {
	h.sendTo(client, ErrorMessage{
		Type:    MsgTypeError,
		Code:    code,
		Message: message,
	})
}
