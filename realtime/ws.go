package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"parley.chat/etc"
)

// wire frame between client and relay server.
type wsFrame struct {
	Op    string            `json:"op"` // pub | sub | unsub | hist | event | hist.result | error
	Topic string            `json:"topic,omitempty"`
	Data  json.RawMessage   `json:"data,omitempty"`
	ID    string            `json:"id,omitempty"`
	Limit int               `json:"limit,omitempty"`
	Items []json.RawMessage `json:"items,omitempty"`
	Error string            `json:"error,omitempty"`
}

const historyTimeout = 10 * time.Second

// WSTransport speaks the relay's JSON frame protocol over a single websocket
// connection. Writes are serialized through outbound; reads fan out to topic
// subscribers on the read loop goroutine.
type WSTransport struct {
	log  *log.Logger
	conn *websocket.Conn

	outbound chan wsFrame
	done     chan struct{}

	mu        sync.Mutex
	connected bool
	nextSub   int
	subs      map[string]map[int]func([]byte)
	pending   map[string]chan wsFrame
}

func DialWS(ctx context.Context, url string, logger *log.Logger) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	t := &WSTransport{
		log:       logger,
		conn:      conn,
		outbound:  make(chan wsFrame, 64),
		done:      make(chan struct{}),
		connected: true,
		subs:      make(map[string]map[int]func([]byte)),
		pending:   make(map[string]chan wsFrame),
	}
	go t.writeLoop()
	go t.readLoop()
	return t, nil
}

func (t *WSTransport) Publish(ctx context.Context, topic string, data []byte) error {
	return t.send(ctx, wsFrame{Op: "pub", Topic: topic, Data: data})
}

func (t *WSTransport) Subscribe(topic string, fn func([]byte)) (func(), error) {
	t.mu.Lock()
	first := len(t.subs[topic]) == 0
	if t.subs[topic] == nil {
		t.subs[topic] = make(map[int]func([]byte))
	}
	id := t.nextSub
	t.nextSub++
	t.subs[topic][id] = fn
	t.mu.Unlock()

	if first {
		if err := t.send(context.Background(), wsFrame{Op: "sub", Topic: topic}); err != nil {
			t.mu.Lock()
			delete(t.subs[topic], id)
			t.mu.Unlock()
			return nil, err
		}
	}

	return func() {
		t.mu.Lock()
		delete(t.subs[topic], id)
		last := len(t.subs[topic]) == 0
		t.mu.Unlock()
		if last {
			_ = t.send(context.Background(), wsFrame{Op: "unsub", Topic: topic})
		}
	}, nil
}

func (t *WSTransport) History(ctx context.Context, topic string, limit int) ([][]byte, error) {
	id := etc.NewFreshID()
	reply := make(chan wsFrame, 1)

	t.mu.Lock()
	t.pending[id] = reply
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := t.send(ctx, wsFrame{Op: "hist", Topic: topic, ID: id, Limit: limit}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, fmt.Errorf("realtime: connection closed")
	case <-time.After(historyTimeout):
		return nil, fmt.Errorf("realtime: history request timed out")
	case fr := <-reply:
		if fr.Error != "" {
			return nil, fmt.Errorf("realtime: history: %s", fr.Error)
		}
		out := make([][]byte, len(fr.Items))
		for i, item := range fr.Items {
			out[i] = []byte(item)
		}
		return out, nil
	}
}

func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	t.mu.Unlock()
	close(t.done)
	return t.conn.Close()
}

func (t *WSTransport) send(ctx context.Context, fr wsFrame) error {
	// Checked first on its own: after Close both the done case and the
	// buffered enqueue are ready, and a combined select would pick between
	// them at random.
	select {
	case <-t.done:
		return fmt.Errorf("realtime: connection closed")
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return fmt.Errorf("realtime: connection closed")
	case t.outbound <- fr:
		return nil
	}
}

func (t *WSTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case fr := <-t.outbound:
			if err := t.conn.WriteJSON(fr); err != nil {
				t.log.Error("relay write failed", "op", fr.Op, "error", err)
				_ = t.Close()
				return
			}
		}
	}
}

func (t *WSTransport) readLoop() {
	for {
		var fr wsFrame
		if err := t.conn.ReadJSON(&fr); err != nil {
			select {
			case <-t.done:
			default:
				t.log.Error("relay read failed", "error", err)
				_ = t.Close()
			}
			return
		}

		switch fr.Op {
		case "event":
			t.mu.Lock()
			fns := make([]func([]byte), 0, len(t.subs[fr.Topic]))
			for _, fn := range t.subs[fr.Topic] {
				fns = append(fns, fn)
			}
			t.mu.Unlock()
			for _, fn := range fns {
				fn([]byte(fr.Data))
			}
		case "hist.result", "error":
			t.mu.Lock()
			reply := t.pending[fr.ID]
			t.mu.Unlock()
			if reply != nil {
				reply <- fr
			}
		default:
			t.log.Warn("unhandled relay frame", "op", fr.Op)
		}
	}
}
