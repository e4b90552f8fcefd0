package fsm

import (
	"parley.chat/capture"
	"parley.chat/session"
)

// Context is the machine's working memory. It is mutated exclusively inside
// transition actions (through Machine.Update); external readers get a clone
// via Machine.Snapshot.
type Context struct {
	SessionID    string
	UserID       string
	Username     string
	IsHost       bool
	HostID       string
	Mode         session.Mode
	Participants []string

	Segment      *capture.Segment  // in-progress audio segment
	LastExchange *session.Exchange // last completed exchange
	Pending      *session.Exchange // unsent exchange awaiting confirmation
	PendingAudio []byte            // synthesized audio held for deferred playback

	Err        string
	SourceLang string
	TargetLang string
}

func (c *Context) clone() Context {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	if c.Segment != nil {
		seg := *c.Segment
		out.Segment = &seg
	}
	if c.LastExchange != nil {
		ex := *c.LastExchange
		out.LastExchange = &ex
	}
	if c.Pending != nil {
		ex := *c.Pending
		out.Pending = &ex
	}
	out.PendingAudio = append([]byte(nil), c.PendingAudio...)
	return out
}

// resetSession clears everything tied to the current session while identity
// and language selections survive.
func (c *Context) resetSession() {
	c.SessionID = ""
	c.IsHost = false
	c.HostID = ""
	c.Participants = nil
	c.Segment = nil
	c.LastExchange = nil
	c.Pending = nil
	c.PendingAudio = nil
	c.Err = ""
}

func (c *Context) addParticipant(id string) {
	for _, p := range c.Participants {
		if p == id {
			return
		}
	}
	c.Participants = append(c.Participants, id)
}

func (c *Context) removeParticipant(id string) {
	out := c.Participants[:0]
	for _, p := range c.Participants {
		if p != id {
			out = append(out, p)
		}
	}
	c.Participants = out
}
