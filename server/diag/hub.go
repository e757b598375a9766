package diag

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cyclopcam/itemscan/pkg/event"
	"github.com/cyclopcam/itemscan/pkg/pipeline"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
)

// Number of messages that we will buffer for a websocket client, before we decide that
// it's too slow, and disconnect it.
const WebSocketSendBufferSize = 64

const webSocketWriteTimeout = 5 * time.Second

// When we send a message on the websocket, it's a TEXT frame containing this.
// SYNC-ITEMSCAN-WEBSOCKET-MESSAGE
type webSocketMessage struct {
	Type     string             `json:"type"` // "item"
	Emission *pipeline.Emission `json:"emission"`
}

type wsClient struct {
	id        int64
	conn      *websocket.Conn
	sendQueue chan []byte
}

// hub fans emitted items out to all connected websocket clients.
// It is a listener on the pipeline's Items sender, so OnEvent runs on the thread that processed the frame,
// and must never block.
type hub struct {
	log      logs.Log
	lock     sync.Mutex
	clients  map[int64]*wsClient
	nextID   int64
	closed   bool
	nDropped int64          // Number of clients that were disconnected for being too slow
	wg       sync.WaitGroup // One for every running client
}

func newHub(log logs.Log) *hub {
	return &hub{
		log:     log,
		clients: map[int64]*wsClient{},
	}
}

func (h *hub) OnEvent(sender *event.Sender[pipeline.Emission], e pipeline.Emission) {
	msg, err := json.Marshal(&webSocketMessage{Type: "item", Emission: &e})
	if err != nil {
		h.log.Errorf("Diag: failed to encode item %v: %v", e.Item.ID, err)
		return
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	for id, c := range h.clients {
		select {
		case c.sendQueue <- msg:
		default:
			h.log.Warnf("Diag: websocket client %v is too slow. Disconnecting", id)
			h.nDropped++
			h.removeLocked(c)
		}
	}
}

func (h *hub) numClients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// run services a websocket connection until the client goes away, or the hub is closed.
// It runs on the HTTP handler's goroutine.
func (h *hub) run(conn *websocket.Conn) {
	h.lock.Lock()
	if h.closed {
		h.lock.Unlock()
		conn.Close()
		return
	}
	h.nextID++
	c := &wsClient{
		id:        h.nextID,
		conn:      conn,
		sendQueue: make(chan []byte, WebSocketSendBufferSize),
	}
	h.clients[c.id] = c
	h.wg.Add(1)
	h.lock.Unlock()
	defer h.wg.Done()

	h.log.Infof("Diag: websocket client %v connected", c.id)

	writerDone := make(chan bool)
	go h.writer(c, writerDone)

	// We don't expect anything from the client, but we must read in order to notice when it closes
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.lock.Lock()
	h.removeLocked(c)
	h.lock.Unlock()
	<-writerDone
	conn.Close()
	h.log.Infof("Diag: websocket client %v disconnected", c.id)
}

func (h *hub) writer(c *wsClient, done chan bool) {
	defer close(done)
	for msg := range c.sendQueue {
		c.conn.SetWriteDeadline(time.Now().Add(webSocketWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			// Closing the connection wakes up the reader, which removes the client and closes sendQueue
			c.conn.Close()
			for range c.sendQueue {
			}
			return
		}
	}
}

// removeLocked closes the client's send queue, and the underlying connection.
// It is a no-op if the client has already been removed.
func (h *hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	close(c.sendQueue)
	c.conn.Close()
}

// Close disconnects all clients, and waits for their goroutines to exit
func (h *hub) Close() {
	h.lock.Lock()
	h.closed = true
	for _, c := range h.clients {
		h.removeLocked(c)
	}
	h.lock.Unlock()
	h.wg.Wait()
}
