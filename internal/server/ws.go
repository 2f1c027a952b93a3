package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"

	"github.com/loomium/nodeward/internal/metrics"
	"github.com/loomium/nodeward/internal/process"
)

const (
	// wsSendBuffer bounds each subscriber's outbound queue. A subscriber
	// that cannot drain this many lines is dropped rather than allowed to
	// stall the tailer or other subscribers.
	wsSendBuffer = 256

	// maxBackfill caps how many buffered lines a new subscriber may request.
	maxBackfill = 200

	wsWriteTimeout = 5 * time.Second
)

// wsClient tracks a single log subscriber.
type wsClient struct {
	ws        *websocket.Conn
	sendCh    chan string
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsClient) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// LogStream broadcasts the supervised node's log lines over WebSocket. One
// tailer goroutine follows the log file; each subscriber gets an independent
// buffered queue so a slow reader only loses its own lines.
type LogStream struct {
	handle  *process.Handle
	apiKey  string
	origins []string
	logger  *slog.Logger

	clients sync.Map // connID (uint64) -> *wsClient
	nextID  atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewLogStream(h *process.Handle, apiKey string, origins []string, logger *slog.Logger) *LogStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogStream{handle: h, apiKey: apiKey, origins: origins, logger: logger}
}

// Run starts following the node's log file. Without a configured log file
// subscribers still get ring-buffer backfill, just no live feed.
func (ls *LogStream) Run() {
	path := ls.handle.LogPath()
	if path == "" {
		ls.logger.Debug("no log file configured, websocket stream serves backfill only")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ls.cancel = cancel
	ls.wg.Add(1)
	go func() {
		defer ls.wg.Done()
		newTailer(path).run(ctx, ls.broadcast)
	}()
}

// Close stops accepting new subscribers, disconnects the current ones and
// stops the tailer. Safe to call more than once.
func (ls *LogStream) Close() {
	if !ls.closed.CompareAndSwap(false, true) {
		return
	}
	if ls.cancel != nil {
		ls.cancel()
	}
	ls.clients.Range(func(key, value any) bool {
		cc := value.(*wsClient)
		cc.shutdown()
		_ = cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		ls.clients.Delete(key)
		return true
	})
	ls.wg.Wait()
}

func (ls *LogStream) broadcast(line string) {
	ls.clients.Range(func(_, value any) bool {
		cc := value.(*wsClient)
		select {
		case cc.sendCh <- line:
		default:
			ls.logger.Warn("dropped log line for slow websocket subscriber")
		}
		return true
	})
}

// handleWS upgrades GET /ws/logs. Authentication is checked before the
// upgrade so unauthorized callers get a plain 401 instead of a WebSocket
// close frame.
func (ls *LogStream) handleWS(c *gin.Context) {
	if ls.closed.Load() {
		c.String(http.StatusServiceUnavailable, "shutting down")
		return
	}
	if !ls.authorized(c.Request) {
		c.Header("WWW-Authenticate", "Bearer")
		c.String(http.StatusUnauthorized, "unauthorized")
		return
	}

	backfill := 0
	if q := c.Query("backfill"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			c.String(http.StatusBadRequest, "backfill must be a non-negative integer")
			return
		}
		if n > maxBackfill {
			n = maxBackfill
		}
		backfill = n
	}

	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: ls.originPatterns(),
	})
	if err != nil {
		ls.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := ls.nextID.Add(1)
	cc := &wsClient{
		ws:     ws,
		sendCh: make(chan string, wsSendBuffer),
		done:   make(chan struct{}),
	}
	// Backfill goes into the queue before registration so live lines cannot
	// be interleaved ahead of older buffered ones.
	for _, line := range ls.handle.Ring().Last(backfill) {
		cc.sendCh <- line
	}
	ls.clients.Store(connID, cc)
	metrics.WSSubscriberConnected()
	ls.logger.Info("log subscriber connected", "conn_id", connID, "backfill", backfill)

	go ls.writeLoop(cc)
	ls.readLoop(c.Request.Context(), cc)

	cc.shutdown()
	ls.clients.Delete(connID)
	_ = ws.Close(websocket.StatusNormalClosure, "")
	metrics.WSSubscriberDisconnected()
	ls.logger.Info("log subscriber disconnected", "conn_id", connID)
}

func (ls *LogStream) authorized(r *http.Request) bool {
	if ls.apiKey == "" {
		return true
	}
	// Browsers cannot set headers on WebSocket dials, so the key is also
	// accepted as a query parameter.
	if r.Header.Get("X-API-Key") == ls.apiKey {
		return true
	}
	return r.URL.Query().Get("api_key") == ls.apiKey
}

func (ls *LogStream) originPatterns() []string {
	if len(ls.origins) == 0 {
		return nil
	}
	patterns := make([]string, 0, len(ls.origins))
	for _, o := range ls.origins {
		patterns = append(patterns, stripScheme(o))
	}
	return patterns
}

// readLoop consumes (and discards) frames so the peer's close handshake is
// noticed; subscribers have nothing to say to us.
func (ls *LogStream) readLoop(ctx context.Context, cc *wsClient) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}
		if _, _, err := cc.ws.Read(ctx); err != nil {
			return
		}
	}
}

func (ls *LogStream) writeLoop(cc *wsClient) {
	for {
		select {
		case <-cc.done:
			return
		case line := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
			err := cc.ws.Write(ctx, websocket.MessageText, []byte(line))
			cancel()
			if err != nil {
				return
			}
		}
	}
}
