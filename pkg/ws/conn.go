package ws

import "github.com/gorilla/websocket"

// wsTransport adapts a gorilla websocket connection to the session's
// transport contract.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReceiveJSON(v any) error {
	return t.conn.ReadJSON(v)
}

func (t *wsTransport) SendJSON(v any) error {
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
