package fsm

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"parley.chat/capture"
	"parley.chat/etc"
	"parley.chat/pipeline"
	"parley.chat/realtime"
	"parley.chat/session"
)

// Recorder is the audio capture engine as the machine sees it.
type Recorder interface {
	Initialize(ctx context.Context) error
	StartRecording() error
	StopRecording() *capture.Segment
	Teardown()
}

// Channel is the realtime pub/sub client as the machine sees it.
type Channel interface {
	CreateSession(ctx context.Context) (string, error)
	JoinSession(ctx context.Context, sessionID string) error
	LeaveSession(ctx context.Context) error
	UpdateStatus(ctx context.Context, status session.Status) error
	SendTranslation(ctx context.Context, ex *session.Exchange) error
	OnTranslation(fn func(session.Exchange)) func()
	OnMembership(fn func(realtime.MembershipEvent)) func()
	OnSignal(fn func(realtime.Signal)) func()
	Connected() bool
}

// PeerNetwork is the peer transport layer as the machine sees it.
type PeerNetwork interface {
	Connect(ctx context.Context, peerID string) error
	HandleSignal(ctx context.Context, sig realtime.Signal)
	Close(peerID string)
	CloseAll()
}

// Pipeline is the translation pipeline as the machine sees it.
type Pipeline interface {
	Transcribe(ctx context.Context, seg *capture.Segment, langHint string) (pipeline.Transcript, error)
	Translate(ctx context.Context, text, sourceLang, targetLang string) (pipeline.Translation, error)
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Store is the durable store. It is history only: exchange persistence
// failures are logged, never allowed to block delivery.
type Store interface {
	CreateSession(ctx context.Context, sess *session.Session) error
	EndSession(ctx context.Context, sessionID string, at time.Time) error
	AddParticipant(ctx context.Context, sessionID string, p session.Participant) error
	MarkParticipantLeft(ctx context.Context, sessionID, participantID string, at time.Time) error
	SaveExchange(ctx context.Context, ex *session.Exchange) error
}

type Player interface {
	Play(ctx context.Context, audio []byte) error
}

type Config struct {
	UserID     string
	Username   string
	Mode       session.Mode
	SourceLang string
	TargetLang string
}

type Deps struct {
	Recorder Recorder
	Channel  Channel
	Peers    PeerNetwork
	Pipeline Pipeline
	Store    Store
	Player   Player
	Log      *log.Logger
}

// Orchestrator sequences recording, transcription, translation, confirmation,
// delivery, and playback for one local session, reacting to inbound realtime
// and peer events as machine events.
type Orchestrator struct {
	*Machine
	log      *log.Logger
	recorder Recorder
	channel  Channel
	peers    PeerNetwork
	pipe     Pipeline
	store    Store
	player   Player
	cancels  []func()
}

func New(cfg Config, deps Deps) *Orchestrator {
	machineCtx := &Context{
		UserID:     cfg.UserID,
		Username:   cfg.Username,
		Mode:       cfg.Mode,
		SourceLang: cfg.SourceLang,
		TargetLang: cfg.TargetLang,
	}

	o := &Orchestrator{
		Machine:  NewMachine(StateIdle, machineCtx, deps.Log),
		log:      deps.Log,
		recorder: deps.Recorder,
		channel:  deps.Channel,
		peers:    deps.Peers,
		pipe:     deps.Pipeline,
		store:    deps.Store,
		player:   deps.Player,
	}

	o.buildTable()
	o.wireInbound()
	return o
}

// Close detaches the inbound event subscriptions.
func (o *Orchestrator) Close() {
	for _, cancel := range o.cancels {
		cancel()
	}
	o.cancels = nil
}

func isHost(c *Context) bool   { return c.IsHost }
func isGuest(c *Context) bool  { return !c.IsHost }
func soloMode(c *Context) bool { return c.Mode == session.ModeSolo }
func autoPlay(c *Context) bool { return c.Mode == session.ModeTwoWay }

func (o *Orchestrator) buildTable() {
	add := o.AddTransition

	add(StateIdle, EvStartHost, Transition{To: StateConnecting, Action: o.startHost})
	add(StateIdle, EvStartJoin, Transition{To: StateConnecting, Guard: isGuest, Action: o.startJoin})

	add(StateConnecting, EvConnEstablished, Transition{To: StateHosting, Guard: isHost})
	add(StateConnecting, EvJoinSuccess, Transition{To: StateConnected, Guard: isGuest})

	for _, ready := range []State{StateHosting, StateConnected} {
		add(ready, EvStartRecording, Transition{To: StateRecording, Action: o.startRecording})
	}

	add(StateRecording, EvStopRecording, Transition{To: StateProcessing, Action: o.stopRecording})
	add(StateProcessing, EvAudioReady, Transition{To: StateTranslating, Action: o.transcribeSegment})

	add(StateTranslating, EvTranslationDone, Transition{To: StateAwaitingSend, Guard: soloMode, Action: o.translateForReview})
	add(StateTranslating, EvTranslationDone, Transition{To: StateSpeaking, Guard: autoPlay, Action: o.translateAndDeliver})

	add(StateAwaitingSend, EvSendTranslation, Transition{To: StateSending, Action: o.sendPending})
	add(StateAwaitingSend, EvSkipSend, Transition{To: StateHosting, Guard: isHost, Action: o.discardPending})
	add(StateAwaitingSend, EvSkipSend, Transition{To: StateConnected, Guard: isGuest, Action: o.discardPending})

	for _, from := range []State{StateSending, StateSpeaking} {
		add(from, EvSpeechComplete, Transition{To: StateHosting, Guard: isHost})
		add(from, EvSpeechComplete, Transition{To: StateConnected, Guard: isGuest})
	}

	add(StateError, EvReset, Transition{To: StateHosting, Guard: isHost, Action: o.clearError})
	add(StateError, EvReset, Transition{To: StateConnected, Guard: isGuest, Action: o.clearError})

	for _, from := range activeStates {
		add(from, EvError, Transition{To: StateError, Action: o.recordError})
		add(from, EvDisconnect, Transition{To: StateDisconnected, Action: o.disconnect})
	}

	add(StateDisconnected, EvReset, Transition{To: StateIdle})
}

// wireInbound feeds realtime membership, signaling, and translation traffic
// back into the machine.
func (o *Orchestrator) wireInbound() {
	bg := context.Background()

	o.cancels = append(o.cancels, o.channel.OnMembership(func(ev realtime.MembershipEvent) {
		self := o.Snapshot().Context.UserID
		switch ev.Kind {
		case realtime.MembershipJoin, realtime.MembershipSnapshot:
			o.Update(func(c *Context) {
				c.addParticipant(ev.UserID)
				if ev.Host {
					c.HostID = ev.UserID
				}
			})
			if ev.Kind == realtime.MembershipJoin && ev.UserID != self {
				snap := o.Snapshot().Context
				if snap.Mode == session.ModeTwoWay {
					if err := o.peers.Connect(bg, ev.UserID); err != nil {
						o.log.Error("peer dial failed", "peer", ev.UserID, "error", err)
					}
				}
			}
		case realtime.MembershipLeave:
			snap := o.Snapshot().Context
			o.Update(func(c *Context) { c.removeParticipant(ev.UserID) })
			o.peers.Close(ev.UserID)
			if ev.UserID == snap.HostID && !snap.IsHost {
				// Host is gone; the session is over for everyone.
				o.Send(Event{Type: EvDisconnect})
			}
		case realtime.MembershipStatus:
			o.log.Debug("presence", "user", ev.UserID, "status", ev.Status)
		}
	}))

	o.cancels = append(o.cancels, o.channel.OnSignal(func(sig realtime.Signal) {
		o.peers.HandleSignal(bg, sig)
	}))

	o.cancels = append(o.cancels, o.channel.OnTranslation(func(ex session.Exchange) {
		o.log.Info("received exchange",
			"from", ex.SenderID,
			"text", ex.TranslatedText,
		)
		o.Update(func(c *Context) {
			cp := ex
			c.LastExchange = &cp
		})
	}))
}

func (o *Orchestrator) startHost(ctx context.Context, _ Event) error {
	snap := o.Snapshot().Context

	id, err := o.channel.CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	now := time.Now().UTC()
	host := session.Participant{
		ID:       snap.UserID,
		Name:     snap.Username,
		Host:     true,
		JoinedAt: now,
		Status:   session.StatusConnected,
	}
	sess := &session.Session{ID: id, HostID: snap.UserID, CreatedAt: now, Active: true}
	sess.AddParticipant(host)

	if err := o.store.CreateSession(ctx, sess); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	if err := o.store.AddParticipant(ctx, id, host); err != nil {
		return fmt.Errorf("persist host participant: %w", err)
	}
	if err := o.recorder.Initialize(ctx); err != nil {
		return fmt.Errorf("audio stream: %w", err)
	}

	o.Update(func(c *Context) {
		c.SessionID = id
		c.IsHost = true
		c.HostID = c.UserID
		c.addParticipant(c.UserID)
	})
	o.Send(Event{Type: EvConnEstablished})
	return nil
}

func (o *Orchestrator) startJoin(ctx context.Context, ev Event) error {
	sessionID, _ := ev.Payload.(string)
	if sessionID == "" {
		return fmt.Errorf("join requires a session id")
	}
	snap := o.Snapshot().Context

	if err := o.channel.JoinSession(ctx, sessionID); err != nil {
		return fmt.Errorf("join session: %w", err)
	}
	if err := o.store.AddParticipant(ctx, sessionID, session.Participant{
		ID:       snap.UserID,
		Name:     snap.Username,
		JoinedAt: time.Now().UTC(),
		Status:   session.StatusConnected,
	}); err != nil {
		return fmt.Errorf("persist participant: %w", err)
	}
	if err := o.recorder.Initialize(ctx); err != nil {
		return fmt.Errorf("audio stream: %w", err)
	}

	o.Update(func(c *Context) {
		c.SessionID = sessionID
		c.addParticipant(c.UserID)
	})
	o.Send(Event{Type: EvJoinSuccess})
	return nil
}

func (o *Orchestrator) startRecording(ctx context.Context, _ Event) error {
	if err := o.recorder.StartRecording(); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	if err := o.channel.UpdateStatus(ctx, session.StatusSpeaking); err != nil {
		return fmt.Errorf("publish speaking status: %w", err)
	}
	return nil
}

func (o *Orchestrator) stopRecording(ctx context.Context, _ Event) error {
	seg := o.recorder.StopRecording()
	if err := o.channel.UpdateStatus(ctx, session.StatusConnected); err != nil {
		return fmt.Errorf("publish connected status: %w", err)
	}
	o.Update(func(c *Context) { c.Segment = seg })
	o.Send(Event{Type: EvAudioReady})
	return nil
}

func (o *Orchestrator) transcribeSegment(ctx context.Context, _ Event) error {
	snap := o.Snapshot().Context

	tr, err := o.pipe.Transcribe(ctx, snap.Segment, snap.SourceLang)
	if err != nil {
		return err
	}

	lang := tr.Language
	if lang == "" {
		lang = snap.SourceLang
	}
	ex := &session.Exchange{
		ID:           etc.NewFreshID(),
		SessionID:    snap.SessionID,
		SenderID:     snap.UserID,
		OriginalText: tr.Text,
		SourceLang:   lang,
		TargetLang:   snap.TargetLang,
		Timestamp:    time.Now().UTC(),
		Confidence:   tr.Confidence,
	}
	o.Send(Event{Type: EvTranslationDone, Payload: ex})
	return nil
}

func (o *Orchestrator) translateExchange(ctx context.Context, ev Event) (*session.Exchange, error) {
	ex, _ := ev.Payload.(*session.Exchange)
	if ex == nil {
		return nil, fmt.Errorf("no exchange in flight")
	}

	res, err := o.pipe.Translate(ctx, ex.OriginalText, ex.SourceLang, ex.TargetLang)
	if err != nil {
		return nil, err
	}
	ex.TranslatedText = res.Text
	ex.Enhanced = res.Enhanced
	if res.DetectedSource != "" {
		ex.SourceLang = res.DetectedSource
	}
	return ex, nil
}

// translateForReview is the solo-mode branch: synthesize but hold playback
// until the user confirms with SEND_TRANSLATION.
func (o *Orchestrator) translateForReview(ctx context.Context, ev Event) error {
	ex, err := o.translateExchange(ctx, ev)
	if err != nil {
		return err
	}
	audio, err := o.pipe.Synthesize(ctx, ex.TranslatedText)
	if err != nil {
		return err
	}
	o.Update(func(c *Context) {
		c.Pending = ex
		c.PendingAudio = audio
		c.Segment = nil
	})
	return nil
}

// translateAndDeliver is the two-way branch: play immediately, then publish
// and persist.
func (o *Orchestrator) translateAndDeliver(ctx context.Context, ev Event) error {
	ex, err := o.translateExchange(ctx, ev)
	if err != nil {
		return err
	}
	audio, err := o.pipe.Synthesize(ctx, ex.TranslatedText)
	if err != nil {
		return err
	}
	if err := o.player.Play(ctx, audio); err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	if err := o.channel.SendTranslation(ctx, ex); err != nil {
		return fmt.Errorf("publish exchange: %w", err)
	}
	o.persistExchange(ctx, ex)
	o.Update(func(c *Context) {
		c.LastExchange = ex
		c.Segment = nil
	})
	o.Send(Event{Type: EvSpeechComplete})
	return nil
}

func (o *Orchestrator) sendPending(ctx context.Context, _ Event) error {
	snap := o.Snapshot().Context
	if snap.Pending == nil {
		return fmt.Errorf("no pending translation to send")
	}
	ex := snap.Pending
	audio := snap.PendingAudio

	if err := o.channel.SendTranslation(ctx, ex); err != nil {
		// Pending exists only while awaiting confirmation; clear it on the
		// way to the error state too.
		o.Update(func(c *Context) {
			c.Pending = nil
			c.PendingAudio = nil
		})
		return fmt.Errorf("publish exchange: %w", err)
	}
	o.persistExchange(ctx, ex)
	if err := o.player.Play(ctx, audio); err != nil {
		o.Update(func(c *Context) {
			c.Pending = nil
			c.PendingAudio = nil
		})
		return fmt.Errorf("playback: %w", err)
	}

	o.Update(func(c *Context) {
		c.LastExchange = ex
		c.Pending = nil
		c.PendingAudio = nil
	})
	o.Send(Event{Type: EvSpeechComplete})
	return nil
}

func (o *Orchestrator) discardPending(_ context.Context, _ Event) error {
	o.Update(func(c *Context) {
		c.Pending = nil
		c.PendingAudio = nil
	})
	return nil
}

func (o *Orchestrator) clearError(_ context.Context, _ Event) error {
	o.Update(func(c *Context) { c.Err = "" })
	return nil
}

func (o *Orchestrator) recordError(_ context.Context, ev Event) error {
	var msg string
	switch v := ev.Payload.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = "unknown error"
	}
	o.Update(func(c *Context) {
		c.Err = msg
		c.Pending = nil
		c.PendingAudio = nil
	})
	return nil
}

// disconnect is best-effort: every cleanup step is isolated so one failing
// step cannot prevent the rest, and it never returns an error. Recording
// finalization results arriving after this point are discarded.
func (o *Orchestrator) disconnect(ctx context.Context, _ Event) error {
	snap := o.Snapshot().Context
	now := time.Now().UTC()

	_ = o.recorder.StopRecording()
	o.recorder.Teardown()
	o.peers.CloseAll()

	if snap.SessionID != "" {
		if err := o.store.MarkParticipantLeft(ctx, snap.SessionID, snap.UserID, now); err != nil {
			o.log.Error("mark participant left", "error", err)
		}
	}
	if err := o.channel.LeaveSession(ctx); err != nil {
		o.log.Error("leave session", "error", err)
	}
	if snap.IsHost && snap.SessionID != "" {
		if err := o.store.EndSession(ctx, snap.SessionID, now); err != nil {
			o.log.Error("end session", "error", err)
		}
	}

	o.Update(func(c *Context) { c.resetSession() })
	return nil
}

func (o *Orchestrator) persistExchange(ctx context.Context, ex *session.Exchange) {
	if err := o.store.SaveExchange(ctx, ex); err != nil {
		// Durability only; never blocks delivery.
		o.log.Error("persist exchange", "exchange", ex.ID, "error", err)
	}
}
