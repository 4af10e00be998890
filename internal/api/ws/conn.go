package ws

import (
	"context"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/protocol"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/monitoring"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// conn is one WebSocket connection and its outbound queue.
type conn struct {
	ws      *websocket.Conn
	cfg     Config
	log     *logging.Logger
	metrics *monitoring.Metrics

	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeCode int
	closeText string

	writerDone chan struct{}
}

func newConn(ws *websocket.Conn, cfg Config, log *logging.Logger, metrics *monitoring.Metrics) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		ws:         ws,
		cfg:        cfg,
		log:        log,
		metrics:    metrics,
		out:        make(chan []byte, cfg.SendQueue),
		ctx:        ctx,
		cancel:     cancel,
		closeCode:  protocol.CloseNormal,
		writerDone: make(chan struct{}),
	}
}

// send encodes and queues msg without blocking. A full queue closes the
// connection.
func (c *conn) send(msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.log.Error("failed to encode message", zap.String("type", string(msg.Type)), zap.Error(err))
		return false
	}

	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	select {
	case c.out <- data:
		c.metrics.RecordWSMessage("out", string(msg.Type))
		return true
	default:
		c.metrics.IncWSDropped()
		c.log.Warn("send queue full, closing slow connection")
		c.close(protocol.CloseTryAgainLater, "send queue full")
		return false
	}
}

// close asks the writer to flush, send a close frame and shut the socket.
// The first call wins.
func (c *conn) close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		c.cancel()
	})
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)
	defer c.ws.Close()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.out:
			if !c.write(data) {
				c.close(protocol.CloseNormal, "")
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(protocol.CloseNormal, "")
				return
			}

		case <-c.ctx.Done():
			// Whatever was queued before the close goes out first
			for {
				select {
				case data := <-c.out:
					if !c.write(data) {
						return
					}
					continue
				default:
				}
				break
			}
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeText),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		}
	}
}

func (c *conn) write(data []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Debug("write failed", zap.Error(err))
		return false
	}
	return true
}
