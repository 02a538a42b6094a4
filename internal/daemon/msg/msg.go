// Package msg implements pub/sub messaging: a durable per-channel
// append-log in SQLite plus an in-memory broker fanning publications
// out to live subscribers. Payloads are opaque bytes; the kernel never
// parses them.
package msg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
	"github.com/curiositech/port-daddy/internal/daemon/config"
	"github.com/curiositech/port-daddy/internal/daemon/kerr"
	"github.com/curiositech/port-daddy/internal/daemon/store"
	"github.com/curiositech/port-daddy/internal/metrics"
)

var channelRe = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Message is one published entry.
type Message struct {
	ID        int64           `json:"id"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	Sender    string          `json:"sender,omitempty"`
	CreatedAt int64           `json:"createdAt"`
}

// ChannelInfo summarizes one channel for enumeration.
type ChannelInfo struct {
	Channel     string `json:"channel"`
	Count       int64  `json:"count"`
	LastMessage int64  `json:"lastMessage"`
	Subscribers int    `json:"subscribers"`
}

// Service is the messaging component.
type Service struct {
	st     *store.Store
	cfg    *config.Config
	act    *activity.Log
	broker *Broker
	insert *sql.Stmt

	// pubMu spans append and fan-out so every subscriber observes the
	// committed id order (per-channel FIFO).
	pubMu sync.Mutex
}

// NewService creates the messaging component.
func NewService(st *store.Store, cfg *config.Config, act *activity.Log) (*Service, error) {
	insert, err := st.DB().Prepare(
		`INSERT INTO messages (channel, payload, compression, sender, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare message insert: %w", err)
	}
	return &Service{
		st:     st,
		cfg:    cfg,
		act:    act,
		broker: NewBroker(cfg.SubscriberQueueLen, cfg.MaxStreamsPerAddr),
		insert: insert,
	}, nil
}

// Broker exposes the subscriber registry to the HTTP layer.
func (s *Service) Broker() *Broker {
	return s.broker
}

// Publish appends the payload to the channel log and synchronously
// delivers it to every live subscriber.
func (s *Service) Publish(ctx context.Context, channel string, payload []byte, sender string) (Message, error) {
	if !channelRe.MatchString(channel) {
		return Message{}, kerr.Validationf("INVALID_CHANNEL", "invalid channel name %q", channel)
	}
	if len(payload) == 0 {
		return Message{}, kerr.Validationf("EMPTY_PAYLOAD", "payload is required")
	}
	if int64(len(payload)) > s.cfg.MaxBodyBytes {
		return Message{}, kerr.New(kerr.Capacity, "PAYLOAD_TOO_LARGE", "payload of %d bytes exceeds %d", len(payload), s.cfg.MaxBodyBytes)
	}

	stored, compression := encodePayload(payload, s.cfg.CompressMinBytes)
	now := store.NowMillis()

	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	res, err := s.insert.ExecContext(ctx, channel, stored, compression, nullable(sender), now)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("message id: %w", err)
	}

	m := Message{ID: id, Channel: channel, Payload: payload, Sender: sender, CreatedAt: now}
	s.broker.Publish(m)
	metrics.MessagesPublished.Inc()
	s.act.Record(ctx, "message", "publish", channel, map[string]any{"id": id, "bytes": len(payload)}, sender)
	return m, nil
}

// History returns stored messages in id order. limit of 0 defaults to
// 100; since filters to ids strictly greater.
func (s *Service) History(ctx context.Context, channel string, limit int, since int64) ([]Message, error) {
	if !channelRe.MatchString(channel) {
		return nil, kerr.Validationf("INVALID_CHANNEL", "invalid channel name %q", channel)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.st.DB().QueryContext(ctx,
		`SELECT id, channel, payload, compression, COALESCE(sender, ''), created_at
		 FROM messages WHERE channel = ? AND id > ?
		 ORDER BY id DESC LIMIT ?`, channel, since, limit)
	if err != nil {
		return nil, fmt.Errorf("message history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var stored []byte
		var compression int
		if err := rows.Scan(&m.ID, &m.Channel, &stored, &compression, &m.Sender, &m.CreatedAt); err != nil {
			return nil, err
		}
		payload, err := decodePayload(stored, compression)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", m.ID, err)
		}
		m.Payload = payload
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The query walks newest-first to honor the limit; flip back to id order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Subscribe attaches a live stream to the channel. No server-side
// wildcard: one subscription, one channel.
func (s *Service) Subscribe(channel, addr string) (*Subscriber, error) {
	if !channelRe.MatchString(channel) {
		return nil, kerr.Validationf("INVALID_CHANNEL", "invalid channel name %q", channel)
	}
	return s.broker.Subscribe(channel, addr)
}

// Unsubscribe detaches a subscriber.
func (s *Service) Unsubscribe(sub *Subscriber) {
	s.broker.Unsubscribe(sub)
}

// Poll waits for the next message after since. Stored history is
// checked first; otherwise the call parks on the broker until a
// publication arrives or ctx expires.
func (s *Service) Poll(ctx context.Context, channel string, since int64, timeout time.Duration) ([]Message, error) {
	// Subscribe before reading history so nothing slips between the two.
	sub, err := s.Subscribe(channel, "")
	if err != nil {
		return nil, err
	}
	defer s.Unsubscribe(sub)

	backlog, err := s.History(ctx, channel, 100, since)
	if err != nil {
		return nil, err
	}
	if len(backlog) > 0 {
		return backlog, nil
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-sub.C():
		return []Message{m}, nil
	case <-sub.Done():
		return []Message{}, nil
	case <-timer.C:
		return []Message{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Channels enumerates distinct channels with message count and last
// message time.
func (s *Service) Channels(ctx context.Context) ([]ChannelInfo, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		`SELECT channel, COUNT(*), MAX(created_at) FROM messages GROUP BY channel ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	out := []ChannelInfo{}
	for rows.Next() {
		var ci ChannelInfo
		if err := rows.Scan(&ci.Channel, &ci.Count, &ci.LastMessage); err != nil {
			return nil, err
		}
		ci.Subscribers = s.broker.SubscriberCount(ci.Channel)
		out = append(out, ci)
	}
	return out, rows.Err()
}

// Clear deletes the stored history of a channel. Live subscribers stay
// attached.
func (s *Service) Clear(ctx context.Context, channel string) (int64, error) {
	if !channelRe.MatchString(channel) {
		return 0, kerr.Validationf("INVALID_CHANNEL", "invalid channel name %q", channel)
	}
	res, err := s.st.DB().ExecContext(ctx, `DELETE FROM messages WHERE channel = ?`, channel)
	if err != nil {
		return 0, fmt.Errorf("clear channel: %w", err)
	}
	n, _ := res.RowsAffected()
	s.act.Record(ctx, "message", "clear", channel, map[string]any{"count": n}, "")
	return n, nil
}

// TruncateRetention trims history beyond the configured age and
// per-channel count bounds. Used by the reaper.
func (s *Service) TruncateRetention(ctx context.Context) (int64, error) {
	var removed int64
	err := s.st.Tx(ctx, func(tx *sql.Tx) error {
		removed = 0
		if s.cfg.MessageRetentionAge > 0 {
			cutoff := store.NowMillis() - s.cfg.MessageRetentionAge.Milliseconds()
			res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		if s.cfg.MessageRetentionCount > 0 {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM messages WHERE id NOT IN (
					SELECT id FROM (
						SELECT id, ROW_NUMBER() OVER (PARTITION BY channel ORDER BY id DESC) AS rn FROM messages
					) WHERE rn <= ?
				)`, s.cfg.MessageRetentionCount)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		return nil
	})
	return removed, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
