package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// SubStatus is the status signal a subscription reports to its owner.
type SubStatus string

const (
	SubSubscribed SubStatus = "subscribed"
	SubError      SubStatus = "error"
	SubClosed     SubStatus = "closed"
)

// ChangeEvent is one row-change notification from the realtime channel.
type ChangeEvent struct {
	Table  string
	Action string // INSERT, UPDATE, DELETE
	Record json.RawMessage
}

// ChangeHandler receives row changes. Called from the subscription's read
// goroutine; handlers must not block.
type ChangeHandler func(ChangeEvent)

// StatusHandler receives subscription status transitions.
type StatusHandler func(SubStatus)

// Subscription is a live realtime channel bound to one table filter.
// Channels are named uniquely per setup so that a rapid teardown/re-arm
// cycle cannot collide with a server-side channel that is still closing.
type Subscription struct {
	Name   string
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// Close tears the channel down. Idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

// phoenix wire frames: [join_ref, ref, topic, event, payload]
type phxFrame struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload json.RawMessage
}

func (f *phxFrame) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 5 {
		return fmt.Errorf("frame has %d elements, want 5", len(parts))
	}
	_ = json.Unmarshal(parts[0], &f.JoinRef)
	_ = json.Unmarshal(parts[1], &f.Ref)
	_ = json.Unmarshal(parts[2], &f.Topic)
	_ = json.Unmarshal(parts[3], &f.Event)
	f.Payload = parts[4]
	return nil
}

func marshalFrame(joinRef, ref, topic, event string, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]any{joinRef, ref, topic, event, json.RawMessage(p)})
}

// Subscribe opens a realtime channel named name watching the given table
// for the given action ("INSERT" or "*"). The returned subscription
// reports subscribed/error through onStatus and delivers row changes
// through onChange until closed.
func (c *Client) Subscribe(ctx context.Context, name, table, action string, onChange ChangeHandler, onStatus StatusHandler) (*Subscription, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) +
		"/realtime/v1/websocket?apikey=" + c.anonKey + "&vsn=2.0.0"

	ctx, cancel := context.WithCancel(ctx)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		cancel()
		return nil, &ChannelError{Channel: name, Err: err}
	}
	conn.SetReadLimit(1 << 20)

	topic := "realtime:" + name
	join := map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{
				{"event": action, "schema": "public", "table": table},
			},
		},
		"access_token": c.bearer(),
	}
	frame, err := marshalFrame("1", "1", topic, "phx_join", join)
	if err != nil {
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "join encode")
		return nil, &ChannelError{Channel: name, Err: err}
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "join write")
		return nil, &ChannelError{Channel: name, Err: err}
	}

	sub := &Subscription{Name: name, cancel: cancel, done: make(chan struct{})}

	// Heartbeats keep the channel alive through proxies; a missed write
	// means the socket is gone and the read loop will notice.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		ref := 2
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ref++
				hb, err := marshalFrame("", fmt.Sprint(ref), "phoenix", "heartbeat", map[string]any{})
				if err != nil {
					continue
				}
				if err := conn.Write(ctx, websocket.MessageText, hb); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer close(sub.done)
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "teardown") }()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					onStatus(SubClosed)
				} else {
					onStatus(SubError)
				}
				return
			}
			var f phxFrame
			if err := json.Unmarshal(data, &f); err != nil || f.Topic != topic {
				continue
			}
			switch f.Event {
			case "phx_reply":
				var reply struct {
					Status string `json:"status"`
				}
				_ = json.Unmarshal(f.Payload, &reply)
				if reply.Status == "ok" {
					onStatus(SubSubscribed)
				} else {
					onStatus(SubError)
				}
			case "phx_error", "phx_close":
				onStatus(SubError)
			case "postgres_changes":
				evt, ok := parseChange(f.Payload)
				if ok {
					onChange(evt)
				}
			}
		}
	}()

	return sub, nil
}

func parseChange(payload json.RawMessage) (ChangeEvent, bool) {
	var body struct {
		Data struct {
			Table  string          `json:"table"`
			Type   string          `json:"type"`
			Record json.RawMessage `json:"record"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.Data.Table == "" {
		return ChangeEvent{}, false
	}
	return ChangeEvent{
		Table:  body.Data.Table,
		Action: body.Data.Type,
		Record: body.Data.Record,
	}, true
}
