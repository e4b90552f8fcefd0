// Package session holds the data model shared by the orchestration machine,
// the realtime channel, and the store: sessions, participants, and translation
// exchanges.
package session

import "time"

type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusSpeaking     Status = "speaking"
	StatusListening    Status = "listening"
)

// Mode selects how a finished translation leaves the machine: solo mode holds
// it for explicit confirmation, two-way mode plays and delivers immediately.
type Mode string

const (
	ModeSolo   Mode = "solo"
	ModeTwoWay Mode = "two-way"
)

type Session struct {
	ID            string     `json:"id"`
	HostID        string     `json:"hostId"`
	CreatedAt     time.Time  `json:"createdAt"`
	Active        bool       `json:"active"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	Participants  []Participant
	ExchangeCount int
}

// ActiveParticipants counts roster entries with no leave time. The recorded
// participant count on a session must always equal this.
func (s *Session) ActiveParticipants() int {
	n := 0
	for _, p := range s.Participants {
		if p.LeftAt == nil {
			n++
		}
	}
	return n
}

// AddParticipant appends to the roster, preserving join order. A participant
// already present is returned to active by clearing the leave time rather
// than duplicated.
func (s *Session) AddParticipant(p Participant) {
	for i := range s.Participants {
		if s.Participants[i].ID == p.ID {
			s.Participants[i].LeftAt = nil
			s.Participants[i].Status = p.Status
			return
		}
	}
	s.Participants = append(s.Participants, p)
}

// MarkLeft records a leave time for the participant. Entries are never
// removed so that history stays queryable.
func (s *Session) MarkLeft(participantID string, at time.Time) {
	for i := range s.Participants {
		if s.Participants[i].ID == participantID && s.Participants[i].LeftAt == nil {
			t := at
			s.Participants[i].LeftAt = &t
			s.Participants[i].Status = StatusDisconnected
		}
	}
}

func (s *Session) Close(at time.Time) {
	if !s.Active {
		return
	}
	s.Active = false
	t := at
	s.EndedAt = &t
}

type Participant struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Host     bool       `json:"host"`
	JoinedAt time.Time  `json:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
	Status   Status     `json:"status"`
}

// Exchange is one utterance's full lifecycle: transcribed original, the
// translation (possibly enhanced), and an optional synthesized audio
// reference. Once delivered it is a read-only broadcast fact; the wire form
// below must round-trip losslessly through the store.
type Exchange struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	SenderID       string    `json:"senderId"`
	OriginalText   string    `json:"originalText"`
	TranslatedText string    `json:"translatedText"`
	SourceLang     string    `json:"sourceLang"`
	TargetLang     string    `json:"targetLang"`
	Timestamp      time.Time `json:"timestamp"`
	Confidence     float64   `json:"confidence,omitempty"`
	AudioRef       string    `json:"audioRef,omitempty"`
	Enhanced       bool      `json:"enhanced"`
}
