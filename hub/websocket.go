package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vitwit/paywatch/types"
)

// writeWait bounds a single websocket write so one stalled client
// cannot hold up a broadcast sweep.
const writeWait = 5 * time.Second

var _ Sink = (*WSSink)(nil)

// WSSink adapts a websocket connection to the hub's Sink interface.
// gorilla/websocket allows at most one concurrent writer, so writes are
// serialized with a mutex.
type WSSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSSink(conn *websocket.Conn) *WSSink {
	return &WSSink{conn: conn}
}

func (s *WSSink) Deliver(msg types.BroadcastMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

func (s *WSSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
	return s.conn.Close()
}
