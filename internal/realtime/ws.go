package realtime

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	msgJoinBoard  = "join_board"
	msgLeaveBoard = "leave_board"
	msgPing       = "ping"
)

type clientMessage struct {
	Type    string `json:"type"`
	BoardID string `json:"boardId"`
}

// AuthorizeJoin reports whether the connected identity may watch a board.
type AuthorizeJoin func(ctx context.Context, boardID string) error

// lockedWriter serialises frame writes from the writer goroutine and the
// control-frame replies issued by the reader.
type lockedWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(p)
}

// ServeWS upgrades the request and serves one WebSocket connection for the
// given identity. Clients send join_board, leave_board and ping messages.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, identityID string, authorize AuthorizeJoin) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.Connect(identityID)
	defer h.Disconnect(sub)

	out := &lockedWriter{conn: conn}
	go h.writeLoop(conn, out, sub)

	h.Send(sub, Event{Kind: KindReady, Data: map[string]string{"identityId": identityID}})

	// The request context ends with the handler, so joins get their own.
	ctx := context.WithoutCancel(r.Context())
	control := wsutil.ControlFrameHandler(out, ws.StateServerSide)
	reader := &wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	for {
		hdr, err := reader.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, reader); err != nil {
				return
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := reader.Discard(); err != nil {
				return
			}
			continue
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			return
		}
		h.handleClientMessage(ctx, sub, data, authorize)
	}
}

func (h *Hub) handleClientMessage(ctx context.Context, sub *Subscriber, data []byte, authorize AuthorizeJoin) {
	var msg clientMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		h.Send(sub, Event{Kind: KindError, Data: map[string]string{"message": "invalid message"}})
		return
	}

	switch msg.Type {
	case msgJoinBoard:
		if msg.BoardID == "" {
			h.Send(sub, Event{Kind: KindError, Data: map[string]string{"message": "boardId is required"}})
			return
		}
		joinCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := authorize(joinCtx, msg.BoardID)
		cancel()
		if err != nil {
			h.Send(sub, Event{Kind: KindError, BoardID: msg.BoardID, Data: map[string]string{"message": err.Error()}})
			return
		}
		if h.Join(sub, msg.BoardID) {
			h.Send(sub, Event{Kind: KindReady, BoardID: msg.BoardID})
		}
	case msgLeaveBoard:
		h.Leave(sub, msg.BoardID)
	case msgPing:
		h.Send(sub, Event{Kind: KindPong})
	default:
		h.Send(sub, Event{Kind: KindError, Data: map[string]string{"message": "unknown message type"}})
	}
}

func (h *Hub) writeLoop(conn net.Conn, out io.Writer, sub *Subscriber) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-sub.Frames():
			if !ok {
				_ = wsutil.WriteServerMessage(out, ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, "disconnected"))
				_ = conn.Close()
				return
			}
			if err := wsutil.WriteServerText(out, frame); err != nil {
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := wsutil.WriteServerMessage(out, ws.OpPing, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
