package monitor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"
)

// JSON-RPC 2.0 structures

// rpcParams is the union of every method's parameters.
type rpcParams struct {
	controlRequest
	Lines []lineRequest `json:"lines,omitempty"`
	Limit int           `json:"limit,omitempty"`
}

type jsonRPCRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      any       `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// dispatchMethod routes a websocket call.
func (s *Server) dispatchMethod(ctx context.Context, method string, params rpcParams) (any, error) {
	switch method {
	case "printer.status":
		return s.status(), nil
	case "printer.lines":
		return s.pushLines(ctx, params.Lines)
	case "printer.control":
		return s.control(ctx, params.controlRequest)
	case "server.history.list":
		if s.journal == nil {
			return nil, fmt.Errorf("no journal configured")
		}
		return s.journal.ListJobs(ctx, params.Limit)
	case "server.history.totals":
		if s.journal == nil {
			return nil, fmt.Errorf("no journal configured")
		}
		return s.journal.Totals(ctx)
	default:
		return nil, fmt.Errorf("method not found: %s", method)
	}
}

// wsClient is one websocket connection.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	once   sync.Once
}

func (s *Server) newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:     s.nextWSID.Add(1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
}

// send queues a message, dropping it if the client is not keeping up.
func (c *wsClient) send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.WithField("client", c.id).Warn("dropping message, send queue full")
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxBodySize)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.WithError(err).Warn("websocket read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			data, err := sonnet.Marshal(msg)
			if err != nil {
				c.server.logger.WithError(err).Error("unable to encode websocket message")
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.server.logger.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := sonnet.Unmarshal(data, &req); err != nil {
		c.send(jsonRPCResponse{JSONRPC: "2.0", Error: &jsonRPCError{Code: -32700, Message: "Parse error"}})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := c.server.dispatchMethod(ctx, req.Method, req.Params)
	if err != nil {
		c.send(jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &jsonRPCError{Code: -32000, Message: err.Error()},
			ID:      req.ID,
		})
		return
	}
	c.send(jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := s.newWSClient(conn)
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.logger.WithField("client", client.id).Info("websocket client connected")

	go client.writePump()
	client.send(jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  "notify_status",
		Params:  []any{s.engine.Status(), s.eventtime()},
	})
	client.readPump()
}

func (s *Server) removeClient(c *wsClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, c.id)
	s.wsClientMu.Unlock()
	s.logger.WithField("client", c.id).Info("websocket client disconnected")
}

func (s *Server) closeClients() {
	s.wsClientMu.Lock()
	clients := make([]*wsClient, 0, len(s.wsClients))
	for _, c := range s.wsClients {
		clients = append(clients, c)
	}
	s.wsClientMu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	return len(s.wsClients)
}

// broadcastLoop pushes notify_status to every client each interval.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcastStatus()
		}
	}
}

func (s *Server) broadcastStatus() {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	if len(s.wsClients) == 0 {
		return
	}

	msg := jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  "notify_status",
		Params:  []any{s.engine.Status(), s.eventtime()},
	}
	for _, c := range s.wsClients {
		c.send(msg)
	}
}
