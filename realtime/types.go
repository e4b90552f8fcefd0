package realtime

import (
	"context"
	"time"

	"parley.chat/session"
)

// Transport is the underlying pub/sub provider: topic-scoped publish,
// subscribe, and bounded per-topic history.
type Transport interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string, fn func(data []byte)) (func(), error)
	History(ctx context.Context, topic string, limit int) ([][]byte, error)
	Connected() bool
	Close() error
}

type MembershipKind string

const (
	MembershipSnapshot MembershipKind = "snapshot"
	MembershipJoin     MembershipKind = "join"
	MembershipLeave    MembershipKind = "leave"
	MembershipStatus   MembershipKind = "status"
)

type MembershipEvent struct {
	Kind      MembershipKind `json:"kind"`
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	Name      string         `json:"name,omitempty"`
	Host      bool           `json:"host,omitempty"`
	Status    session.Status `json:"status,omitempty"`
	At        time.Time      `json:"at"`
}

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Signal is one offer/answer/candidate payload relayed between two
// participants. Candidate carries the JSON-encoded ICE candidate init.
type Signal struct {
	Type      SignalType `json:"type"`
	SessionID string     `json:"sessionId"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"`
}

func membershipTopic(sessionID string) string {
	return "session:" + sessionID + ":membership"
}

func translationTopic(sessionID string) string {
	return "session:" + sessionID + ":translations"
}

func signalTopic(sessionID string) string {
	return "session:" + sessionID + ":signals"
}
