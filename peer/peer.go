// Package peer establishes direct audio connections between participants.
// The realtime channel is used purely as a signaling relay; each remote
// participant gets exactly one connection, keyed by participant id.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"parley.chat/emit"
	"parley.chat/realtime"
)

// SignalSender relays offer/answer/candidate payloads to a remote
// participant.
type SignalSender interface {
	SendSignal(ctx context.Context, sig realtime.Signal) error
}

type EventKind string

const (
	EventConnected      EventKind = "connected"
	EventDisconnected   EventKind = "disconnected"
	EventStreamReceived EventKind = "stream-received"
	EventError          EventKind = "error"
)

type Event struct {
	Kind   EventKind
	PeerID string
	Err    error
	Track  *webrtc.TrackRemote
}

type Manager struct {
	log     *log.Logger
	signals SignalSender
	config  webrtc.Configuration
	events  *emit.Emitter[Event]

	mu         sync.Mutex
	conns      map[string]*conn
	localTrack *webrtc.TrackLocalStaticSample
}

type conn struct {
	pc     *webrtc.PeerConnection
	sender *webrtc.RTPSender
}

func NewManager(signals SignalSender, iceServers []string, logger *log.Logger) *Manager {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Manager{
		log:     logger,
		signals: signals,
		config:  cfg,
		events:  emit.New[Event](),
		conns:   make(map[string]*conn),
	}
}

func (m *Manager) Events(fn func(Event)) func() {
	return m.events.Subscribe(fn)
}

// LocalTrack lazily creates the opus track that carries local audio to every
// peer.
func (m *Manager) LocalTrack() (*webrtc.TrackLocalStaticSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localTrackLocked()
}

func (m *Manager) localTrackLocked() (*webrtc.TrackLocalStaticSample, error) {
	if m.localTrack != nil {
		return m.localTrack, nil
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "parley-mic",
	)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	m.localTrack = track
	return track, nil
}

// WriteAudio feeds one encoded audio sample to every connected peer.
func (m *Manager) WriteAudio(sample media.Sample) error {
	m.mu.Lock()
	track := m.localTrack
	m.mu.Unlock()
	if track == nil {
		return fmt.Errorf("peer: no local track")
	}
	return track.WriteSample(sample)
}

// Connect dials a remote participant: creates the connection and sends an
// offer through the signaling topic. Re-creating an existing connection is a
// no-op with a warning.
func (m *Manager) Connect(ctx context.Context, peerID string) error {
	m.mu.Lock()
	if _, ok := m.conns[peerID]; ok {
		m.mu.Unlock()
		m.log.Warn("connection already exists", "peer", peerID)
		return nil
	}
	m.mu.Unlock()

	c, err := m.create(ctx, peerID)
	if err != nil {
		return err
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		m.teardown(peerID)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		m.teardown(peerID)
		return fmt.Errorf("set local description: %w", err)
	}
	if err := m.signals.SendSignal(ctx, realtime.Signal{
		Type: realtime.SignalOffer,
		To:   peerID,
		SDP:  offer.SDP,
	}); err != nil {
		m.teardown(peerID)
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

func (m *Manager) create(ctx context.Context, peerID string) (*conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.conns[peerID]; ok {
		return existing, nil
	}

	track, err := m.localTrackLocked()
	if err != nil {
		return nil, err
	}

	pc, err := webrtc.NewPeerConnection(m.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add outbound track: %w", err)
	}
	go drainRTCP(sender)

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		data, err := json.Marshal(init)
		if err != nil {
			m.log.Error("encode ICE candidate", "peer", peerID, "error", err)
			return
		}
		if err := m.signals.SendSignal(ctx, realtime.Signal{
			Type:      realtime.SignalCandidate,
			To:        peerID,
			Candidate: string(data),
		}); err != nil {
			m.log.Error("send ICE candidate", "peer", peerID, "error", err)
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.log.Info("remote stream", "peer", peerID, "codec", remote.Codec().MimeType)
		m.events.Emit(Event{Kind: EventStreamReceived, PeerID: peerID, Track: remote})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.log.Info("peer state", "peer", peerID, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			m.events.Emit(Event{Kind: EventConnected, PeerID: peerID})
		case webrtc.PeerConnectionStateDisconnected:
			m.events.Emit(Event{Kind: EventDisconnected, PeerID: peerID})
		case webrtc.PeerConnectionStateFailed:
			m.events.Emit(Event{Kind: EventDisconnected, PeerID: peerID})
			m.teardown(peerID)
		}
	})

	c := &conn{pc: pc, sender: sender}
	m.conns[peerID] = c
	return c, nil
}

// HandleSignal routes inbound offer/answer/candidate payloads to the
// matching connection, creating it lazily for an inbound offer. Errors
// surface as peer-scoped error events instead of aborting.
func (m *Manager) HandleSignal(ctx context.Context, sig realtime.Signal) {
	if err := m.handleSignal(ctx, sig); err != nil {
		m.log.Error("signal handling failed",
			"peer", sig.From,
			"type", sig.Type,
			"error", err,
		)
		m.events.Emit(Event{Kind: EventError, PeerID: sig.From, Err: err})
	}
}

func (m *Manager) handleSignal(ctx context.Context, sig realtime.Signal) error {
	switch sig.Type {
	case realtime.SignalOffer:
		c, err := m.create(ctx, sig.From)
		if err != nil {
			return err
		}
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  sig.SDP,
		}); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		return m.signals.SendSignal(ctx, realtime.Signal{
			Type: realtime.SignalAnswer,
			To:   sig.From,
			SDP:  answer.SDP,
		})

	case realtime.SignalAnswer:
		c := m.get(sig.From)
		if c == nil {
			return fmt.Errorf("answer for unknown peer %s", sig.From)
		}
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  sig.SDP,
		}); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		return nil

	case realtime.SignalCandidate:
		c := m.get(sig.From)
		if c == nil {
			return fmt.Errorf("candidate for unknown peer %s", sig.From)
		}
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(sig.Candidate), &init); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		if err := c.pc.AddICECandidate(init); err != nil {
			return fmt.Errorf("add candidate: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown signal type %q", sig.Type)
	}
}

func (m *Manager) get(peerID string) *conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[peerID]
}

// ReplaceLocalTrack swaps the outbound track on every active connection
// without recreating the connections, for device hot-switching.
func (m *Manager) ReplaceLocalTrack(track *webrtc.TrackLocalStaticSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for peerID, c := range m.conns {
		if err := c.sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace track for peer %s: %w", peerID, err)
		}
	}
	m.localTrack = track
	return nil
}

// RefreshLocalTrack mints a fresh outbound track and swaps it onto every
// connection. Called after an input device switch so stale timestamps from
// the old device do not leak into the new stream.
func (m *Manager) RefreshLocalTrack() error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "parley-mic",
	)
	if err != nil {
		return fmt.Errorf("create local track: %w", err)
	}
	return m.ReplaceLocalTrack(track)
}

// Close tears down one peer's connection and removes it from the registry.
func (m *Manager) Close(peerID string) {
	m.teardown(peerID)
}

func (m *Manager) teardown(peerID string) {
	m.mu.Lock()
	c, ok := m.conns[peerID]
	delete(m.conns, peerID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := c.pc.Close(); err != nil {
		m.log.Warn("close peer connection", "peer", peerID, "error", err)
	}
}

// CloseAll tears down every connection. Idempotent.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	peers := make([]string, 0, len(m.conns))
	for id := range m.conns {
		peers = append(peers, id)
	}
	m.mu.Unlock()
	for _, id := range peers {
		m.teardown(id)
	}
}

// Peers lists the participant ids with live connections.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}

// DrainTrack reads RTP packets off a remote track until it ends, handing
// each to fn.
func DrainTrack(track *webrtc.TrackRemote, fn func(*rtp.Packet)) error {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return err
		}
		fn(pkt)
	}
}

// rtcp must be read or interceptors stall.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
