// Package signaling carries call-setup messages between endpoints.
//
// Conn is the endpoint side: a WebSocket connection to a relay that sends
// protocol messages and fans inbound ones out to subscribers. Hub and Server
// are the relay side: rooms of identities, with call messages forwarded to
// their addressee inside the sender's room.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/medicall/internal/protocol"
	"github.com/1ureka/medicall/internal/util"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP with many codecs and
	// candidates stays well below this.
	maxMessageSize = 64 * 1024
)

// Conn is an endpoint's connection to the relay. It is safe for concurrent
// use.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	err    error

	done      chan struct{}
	closeOnce sync.Once
}

type subscriber struct {
	identity string
	inbox    *Inbox
}

// Dial connects to the relay at url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %v", protocol.ErrChannelUnavailable, url, err)
	}
	return newConn(ws), nil
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:   ws,
		subs: make(map[int]*subscriber),
		done: make(chan struct{}),
	}

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.pingPump()
	return c
}

// Send writes msg to the relay. It returns protocol.ErrChannelUnavailable
// once the connection is gone.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(&msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return fmt.Errorf("%w: connection closed", protocol.ErrChannelUnavailable)
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.shutdown(err)
		return fmt.Errorf("%w: %v", protocol.ErrChannelUnavailable, err)
	}
	util.LogTrace("→ %s %s", msg.Type, msg.To)
	return nil
}

// Subscribe delivers inbound messages meant for identity to fn, in arrival
// order. Call messages are filtered by addressee; room notifications reach
// every subscriber. The returned function cancels the subscription.
func (c *Conn) Subscribe(identity string, fn func(protocol.Message)) (unsubscribe func()) {
	sub := &subscriber{identity: identity, inbox: NewInbox(fn)}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = sub
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			sub.inbox.Close()
		})
	}
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is open or after a
// local Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame and tears the connection down.
func (c *Conn) Close() error {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		subs := c.subs
		c.subs = make(map[int]*subscriber)
		c.mu.Unlock()

		close(c.done)
		c.ws.Close()
		for _, sub := range subs {
			sub.inbox.Close()
		}
	})
}

func (c *Conn) readPump() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			// No-op after a local Close.
			c.shutdown(err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			util.LogWarning("discarding signaling message: %v", err)
			continue
		}
		util.LogTrace("← %s %s", msg.Type, msg.From)
		c.dispatch(*msg)
	}
}

func (c *Conn) dispatch(msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if msg.Type.Relayed() && msg.To != sub.identity {
			continue
		}
		sub.inbox.Put(msg)
	}
}

func (c *Conn) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.shutdown(err)
				}
				return
			}
		}
	}
}
