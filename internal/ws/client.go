package ws

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/bubbles/internal/domain"
	"github.com/manpreetbhatti/bubbles/internal/protocol"
	"github.com/manpreetbhatti/bubbles/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024

	// Sustained flooding past this many rejected frames ends the connection.
	maxRateLimitWarnings = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type outbound struct {
	msg   protocol.Message
	close bool
}

type Client struct {
	hub         *Hub
	id          domain.ConnID
	conn        *websocket.Conn
	send        chan outbound
	remote      string
	rateLimiter *ratelimit.Limiter
	log         logrus.FieldLogger

	// Owned by the hub's Run goroutine.
	closing bool
}

func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !hub.connects.Allow(host) {
		hub.log.WithField("remote", host).Warn("Connection attempts over limit")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.WithError(err).Warn("Upgrade error")
		return
	}

	id := domain.NewConnID()
	client := &Client{
		hub:         hub,
		id:          id,
		conn:        conn,
		send:        make(chan outbound, hub.cfg.SendBuffer),
		remote:      host,
		rateLimiter: ratelimit.NewLimiter(hub.cfg.EventsPerSecond, hub.cfg.EventBurst),
		log:         hub.log.WithField("conn", id),
	}

	if !hub.join(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("WebSocket error")
			}
			return
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.log.WithField("warnings", rateLimitWarnings).Warn("Rate limit exceeded")
			}
			if rateLimitWarnings > maxRateLimitWarnings {
				c.log.Warn("Disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.WithError(err).Warn("Invalid message from client")
			continue
		}

		c.hub.deliver(c.id, msg)
	}
}

// writePump owns all writes to the connection. Every queued message gets
// exactly one completion, including those left behind after a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	var failed bool
	fail := func(err error) {
		if !failed {
			c.log.WithError(err).Debug("Write failed")
		}
		failed = true
		// Unblocks the read pump so the hub unregisters us.
		c.conn.Close()
	}

	for {
		select {
		case out, ok := <-c.send:
			if !ok {
				if !failed {
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				}
				return
			}

			if out.close {
				if !failed {
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				failed = true
				c.conn.Close()
				continue
			}

			var err error
			if failed {
				err = domain.ErrConnectionClosed
			} else if err = c.write(out.msg); err != nil {
				fail(err)
			}
			c.hub.complete(c.id, out.msg, err)

		case <-ticker.C:
			if failed {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				fail(err)
			}
		}
	}
}

func (c *Client) write(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}
