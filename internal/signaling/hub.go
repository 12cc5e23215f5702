package signaling

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/medicall/internal/protocol"
	"github.com/1ureka/medicall/internal/util"
)

// sendBuffer is the outbound queue of one relay client. A client that falls
// this far behind is dropped.
const sendBuffer = 64

// Hub is the relay's room registry. A single goroutine (Run) owns every
// room and client; connections talk to it over channels.
type Hub struct {
	register   chan *client
	unregister chan *client
	inbound    chan inbound

	// rooms maps room id to identity to client.
	rooms map[string]map[string]*client

	clients atomic.Int64
	members atomic.Int64
}

type inbound struct {
	client *client
	msg    *protocol.Message
	err    error
}

// NewHub creates an idle hub. Start it with Run.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		inbound:    make(chan inbound),
		rooms:      make(map[string]map[string]*client),
	}
}

// Clients returns the number of open connections.
func (h *Hub) Clients() int { return int(h.clients.Load()) }

// Members returns the number of identities joined to a room.
func (h *Hub) Members() int { return int(h.members.Load()) }

// Run processes hub events until ctx is done, then drops every client.
func (h *Hub) Run(ctx context.Context) {
	live := make(map[*client]struct{})

	for {
		select {
		case <-ctx.Done():
			for c := range live {
				h.drop(c)
			}
			return

		case c := <-h.register:
			live[c] = struct{}{}
			h.clients.Add(1)
			util.LogDebug("client %s connected from %s", c.id, c.ws.RemoteAddr())

		case c := <-h.unregister:
			if _, ok := live[c]; ok {
				delete(live, c)
				h.drop(c)
			}

		case in := <-h.inbound:
			if _, ok := live[in.client]; !ok || in.client.gone {
				continue
			}
			if in.err != nil {
				h.reply(in.client, protocol.Message{Type: protocol.TypeError, Error: in.err.Error()})
				continue
			}
			h.handle(in.client, in.msg)
		}
	}
}

func (h *Hub) handle(c *client, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeJoinRoom:
		h.join(c, msg)

	case protocol.TypeLeaveRoom:
		if c.roomID == msg.RoomID && c.identity == msg.Identity {
			h.leave(c)
		}

	case protocol.TypeCallOffer, protocol.TypeCallAnswer, protocol.TypeIceCandidate, protocol.TypeHangup:
		h.relay(c, msg)

	default:
		h.reply(c, protocol.Message{Type: protocol.TypeError, Error: "unsupported message", Ref: msg.Type})
	}
}

func (h *Hub) join(c *client, msg *protocol.Message) {
	if c.roomID != "" {
		h.reply(c, protocol.Message{Type: protocol.TypeError, Error: "already joined " + c.roomID, Ref: msg.Type})
		return
	}

	room, ok := h.rooms[msg.RoomID]
	if !ok {
		room = make(map[string]*client)
		h.rooms[msg.RoomID] = room
	}
	if _, taken := room[msg.Identity]; taken {
		h.reply(c, protocol.Message{Type: protocol.TypeError, Error: "identity already in room", Ref: msg.Type})
		return
	}

	peers := make([]string, 0, len(room))
	for identity, other := range room {
		peers = append(peers, identity)
		h.deliver(other, protocol.Message{Type: protocol.TypePeerJoined, RoomID: msg.RoomID, Identity: msg.Identity})
	}
	sort.Strings(peers)

	room[msg.Identity] = c
	c.roomID = msg.RoomID
	c.identity = msg.Identity
	h.members.Add(1)

	util.LogInfo("%s joined room %s (%d present)", msg.Identity, msg.RoomID, len(room))
	h.reply(c, protocol.Message{Type: protocol.TypeJoinedRoom, RoomID: msg.RoomID, Identity: msg.Identity, Peers: peers})
}

// leave removes c from its room and tells the others.
func (h *Hub) leave(c *client) {
	if c.roomID == "" {
		return
	}
	roomID, identity := c.roomID, c.identity
	c.roomID, c.identity = "", ""
	h.members.Add(-1)

	room := h.rooms[roomID]
	delete(room, identity)
	if len(room) == 0 {
		delete(h.rooms, roomID)
		util.LogDebug("room %s closed", roomID)
	}

	util.LogInfo("%s left room %s", identity, roomID)
	for _, other := range room {
		h.deliver(other, protocol.Message{Type: protocol.TypePeerLeft, RoomID: roomID, Identity: identity})
	}
}

// relay forwards a call message to its addressee in the sender's room. The
// sender's identity is stamped by the relay, not trusted from the client.
func (h *Hub) relay(c *client, msg *protocol.Message) {
	if c.roomID == "" {
		h.reply(c, protocol.Message{Type: protocol.TypeError, Error: "not joined", Ref: msg.Type})
		return
	}

	target, ok := h.rooms[c.roomID][msg.To]
	if !ok {
		h.reply(c, protocol.Message{Type: protocol.TypeError, Error: "peer not in room", To: msg.To, Ref: msg.Type})
		return
	}

	out := *msg
	out.From = c.identity
	h.deliver(target, out)
}

func (h *Hub) reply(c *client, msg protocol.Message) {
	h.deliver(c, msg)
}

// deliver queues msg for c, dropping c if its queue is full.
func (h *Hub) deliver(c *client, msg protocol.Message) {
	if c.gone {
		return
	}
	select {
	case c.send <- msg:
	default:
		util.LogWarning("client %s is not reading, dropping it", c.id)
		h.drop(c)
	}
}

// drop removes c from the hub and stops its write pump.
func (h *Hub) drop(c *client) {
	if c.gone {
		return
	}
	h.leave(c)
	c.gone = true
	close(c.send)
	h.clients.Add(-1)
	util.LogDebug("client %s disconnected", c.id)
}

// ---------------------------------------------------------------------------
// Relay client
// ---------------------------------------------------------------------------

// client is one relay connection. roomID, identity and gone are owned by
// the hub goroutine.
type client struct {
	id   string
	hub  *Hub
	ws   *websocket.Conn
	send chan protocol.Message

	roomID   string
	identity string
	gone     bool
}

// readPump feeds inbound messages to the hub. It is the only reader of the
// connection.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-ctx.Done():
		}
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				util.LogDebug("client %s read error: %v", c.id, err)
			}
			return
		}

		msg, err := protocol.DecodeClient(data)
		select {
		case c.hub.inbound <- inbound{client: c, msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

// writePump drains the send queue and keeps the connection alive. It is
// the only writer of the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := protocol.Encode(&msg)
			if err != nil {
				util.LogError("client %s: %v", c.id, err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
