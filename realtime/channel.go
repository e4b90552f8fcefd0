// Package realtime wraps a pub/sub transport with the per-session topic
// layout: one membership topic, one translation topic, and one signaling
// topic per session.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"parley.chat/emit"
	"parley.chat/etc"
	"parley.chat/session"
)

// HistoryLimit bounds how many past exchanges a history query returns.
const HistoryLimit = 50

type Channel struct {
	log      *log.Logger
	tr       Transport
	userID   string
	username string

	mu        sync.Mutex
	sessionID string
	cancels   []func()

	translations *emit.Emitter[session.Exchange]
	membership   *emit.Emitter[MembershipEvent]
	signals      *emit.Emitter[Signal]
}

func NewChannel(tr Transport, userID, username string, logger *log.Logger) *Channel {
	return &Channel{
		log:          logger,
		tr:           tr,
		userID:       userID,
		username:     username,
		translations: emit.New[session.Exchange](),
		membership:   emit.New[MembershipEvent](),
		signals:      emit.New[Signal](),
	}
}

func (c *Channel) Connected() bool { return c.tr.Connected() }

func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// OnTranslation delivers exchanges published by other participants. A sender
// never re-processes its own broadcast.
func (c *Channel) OnTranslation(fn func(session.Exchange)) func() {
	return c.translations.Subscribe(fn)
}

func (c *Channel) OnMembership(fn func(MembershipEvent)) func() {
	return c.membership.Subscribe(fn)
}

// OnSignal delivers signaling payloads addressed to this identity.
func (c *Channel) OnSignal(fn func(Signal)) func() {
	return c.signals.Subscribe(fn)
}

// CreateSession mints a fresh session id, attaches to its topics, and
// publishes the initial membership snapshot with the caller as host.
func (c *Channel) CreateSession(ctx context.Context) (string, error) {
	id := etc.NewFreshID()
	if err := c.attach(id); err != nil {
		return "", err
	}
	ev := MembershipEvent{
		Kind:      MembershipSnapshot,
		SessionID: id,
		UserID:    c.userID,
		Name:      c.username,
		Host:      true,
		Status:    session.StatusConnected,
		At:        time.Now().UTC(),
	}
	if err := c.publishMembership(ctx, id, ev); err != nil {
		c.detach()
		return "", err
	}
	c.log.Info("session created", "session", id)
	return id, nil
}

// JoinSession attaches to an existing session's topics, replays the
// membership topic so the current roster (host included) is known before any
// live event arrives, and publishes a join event.
func (c *Channel) JoinSession(ctx context.Context, sessionID string) error {
	if err := c.attach(sessionID); err != nil {
		return err
	}
	c.replayMembership(ctx, sessionID)
	ev := MembershipEvent{
		Kind:      MembershipJoin,
		SessionID: sessionID,
		UserID:    c.userID,
		Name:      c.username,
		Status:    session.StatusConnected,
		At:        time.Now().UTC(),
	}
	if err := c.publishMembership(ctx, sessionID, ev); err != nil {
		c.detach()
		return err
	}
	c.log.Info("joined session", "session", sessionID)
	return nil
}

// LeaveSession publishes a leave event and detaches from all topics. Safe to
// call when not attached.
func (c *Channel) LeaveSession(ctx context.Context) error {
	c.mu.Lock()
	id := c.sessionID
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	ev := MembershipEvent{
		Kind:      MembershipLeave,
		SessionID: id,
		UserID:    c.userID,
		At:        time.Now().UTC(),
	}
	err := c.publishMembership(ctx, id, ev)
	c.detach()
	if err != nil {
		return fmt.Errorf("publish leave: %w", err)
	}
	return nil
}

// UpdateStatus publishes a presence status change for this identity.
func (c *Channel) UpdateStatus(ctx context.Context, status session.Status) error {
	c.mu.Lock()
	id := c.sessionID
	c.mu.Unlock()
	if id == "" {
		return fmt.Errorf("realtime: not attached to a session")
	}
	return c.publishMembership(ctx, id, MembershipEvent{
		Kind:      MembershipStatus,
		SessionID: id,
		UserID:    c.userID,
		Status:    status,
		At:        time.Now().UTC(),
	})
}

func (c *Channel) SendTranslation(ctx context.Context, ex *session.Exchange) error {
	c.mu.Lock()
	id := c.sessionID
	c.mu.Unlock()
	if id == "" {
		return fmt.Errorf("realtime: not attached to a session")
	}
	data, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("encode exchange: %w", err)
	}
	return c.tr.Publish(ctx, translationTopic(id), data)
}

func (c *Channel) SendSignal(ctx context.Context, sig Signal) error {
	c.mu.Lock()
	id := c.sessionID
	c.mu.Unlock()
	if id == "" {
		return fmt.Errorf("realtime: not attached to a session")
	}
	sig.SessionID = id
	sig.From = c.userID
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	return c.tr.Publish(ctx, signalTopic(id), data)
}

// History returns up to limit past exchanges for the attached session,
// newest first.
func (c *Channel) History(ctx context.Context, limit int) ([]session.Exchange, error) {
	c.mu.Lock()
	id := c.sessionID
	c.mu.Unlock()
	if id == "" {
		return nil, fmt.Errorf("realtime: not attached to a session")
	}
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}
	raw, err := c.tr.History(ctx, translationTopic(id), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	out := make([]session.Exchange, 0, len(raw))
	for _, data := range raw {
		var ex session.Exchange
		if err := json.Unmarshal(data, &ex); err != nil {
			c.log.Warn("skipping malformed history entry", "error", err)
			continue
		}
		out = append(out, ex)
	}
	return out, nil
}

func (c *Channel) attach(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" {
		return fmt.Errorf("realtime: already attached to session %s", c.sessionID)
	}

	var cancels []func()
	sub := func(topic string, fn func([]byte)) error {
		cancel, err := c.tr.Subscribe(topic, fn)
		if err != nil {
			return err
		}
		cancels = append(cancels, cancel)
		return nil
	}

	if err := sub(membershipTopic(sessionID), c.handleMembership); err != nil {
		return err
	}
	if err := sub(translationTopic(sessionID), c.handleTranslation); err != nil {
		for _, cancel := range cancels {
			cancel()
		}
		return err
	}
	if err := sub(signalTopic(sessionID), c.handleSignal); err != nil {
		for _, cancel := range cancels {
			cancel()
		}
		return err
	}

	c.sessionID = sessionID
	c.cancels = cancels
	return nil
}

func (c *Channel) detach() {
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	c.sessionID = ""
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// replayMembership folds the membership topic's history into the current
// roster and emits one snapshot per still-present participant, in join order.
// Joins are downgraded to snapshots so subscribers treat them as existing
// state, not as fresh arrivals.
func (c *Channel) replayMembership(ctx context.Context, sessionID string) {
	raw, err := c.tr.History(ctx, membershipTopic(sessionID), HistoryLimit)
	if err != nil {
		c.log.Warn("membership replay failed", "session", sessionID, "error", err)
		return
	}

	var order []string
	present := make(map[string]MembershipEvent)
	// History arrives newest first; fold chronologically.
	for i := len(raw) - 1; i >= 0; i-- {
		var ev MembershipEvent
		if err := json.Unmarshal(raw[i], &ev); err != nil {
			c.log.Warn("skipping malformed membership entry", "error", err)
			continue
		}
		switch ev.Kind {
		case MembershipSnapshot, MembershipJoin:
			if _, ok := present[ev.UserID]; !ok {
				order = append(order, ev.UserID)
			}
			ev.Kind = MembershipSnapshot
			present[ev.UserID] = ev
		case MembershipLeave:
			delete(present, ev.UserID)
		case MembershipStatus:
			if cur, ok := present[ev.UserID]; ok {
				cur.Status = ev.Status
				present[ev.UserID] = cur
			}
		}
	}

	for _, id := range order {
		ev, ok := present[id]
		if !ok || ev.UserID == c.userID {
			continue
		}
		c.membership.Emit(ev)
	}
}

func (c *Channel) handleMembership(data []byte) {
	var ev MembershipEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.log.Warn("malformed membership event", "error", err)
		return
	}
	c.membership.Emit(ev)
}

func (c *Channel) handleTranslation(data []byte) {
	var ex session.Exchange
	if err := json.Unmarshal(data, &ex); err != nil {
		c.log.Warn("malformed translation event", "error", err)
		return
	}
	if ex.SenderID == c.userID {
		return
	}
	c.translations.Emit(ex)
}

func (c *Channel) handleSignal(data []byte) {
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		c.log.Warn("malformed signal", "error", err)
		return
	}
	// All signaling traffic for the session arrives here; deliver only what
	// is addressed to this identity.
	if sig.To != c.userID || sig.From == c.userID {
		return
	}
	c.signals.Emit(sig)
}

func (c *Channel) publishMembership(ctx context.Context, sessionID string, ev MembershipEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode membership event: %w", err)
	}
	return c.tr.Publish(ctx, membershipTopic(sessionID), data)
}
