package realtime

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"parley.chat/session"
)

func testPair(t *testing.T) (*Channel, *Channel, string) {
	t.Helper()
	hub := NewMemoryHub()
	host := NewChannel(hub.Client(), "u-host", "Ada", log.New(io.Discard))
	guest := NewChannel(hub.Client(), "u-guest", "Lin", log.New(io.Discard))

	id, err := host.CreateSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := guest.JoinSession(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	return host, guest, id
}

func TestCreateSessionAnnouncesHost(t *testing.T) {
	hub := NewMemoryHub()
	host := NewChannel(hub.Client(), "u-host", "Ada", log.New(io.Discard))
	observer := NewChannel(hub.Client(), "u-obs", "Obs", log.New(io.Discard))

	id, err := host.CreateSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if host.SessionID() != id {
		t.Errorf("host session id = %q, want %q", host.SessionID(), id)
	}

	var seen []MembershipEvent
	defer observer.OnMembership(func(ev MembershipEvent) { seen = append(seen, ev) })()

	if err := observer.JoinSession(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	// The observer sees its own join echo on the membership topic.
	if len(seen) != 1 || seen[0].Kind != MembershipJoin || seen[0].UserID != "u-obs" {
		t.Fatalf("membership events = %+v", seen)
	}
}

func TestJoinReplaysRoster(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	host := NewChannel(hub.Client(), "u-host", "Ada", log.New(io.Discard))
	early := NewChannel(hub.Client(), "u-early", "Lin", log.New(io.Discard))
	gone := NewChannel(hub.Client(), "u-gone", "Sam", log.New(io.Discard))

	id, err := host.CreateSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := early.JoinSession(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := gone.JoinSession(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := gone.LeaveSession(ctx); err != nil {
		t.Fatal(err)
	}
	if err := host.UpdateStatus(ctx, session.StatusSpeaking); err != nil {
		t.Fatal(err)
	}

	late := NewChannel(hub.Client(), "u-late", "Kim", log.New(io.Discard))
	var seen []MembershipEvent
	defer late.OnMembership(func(ev MembershipEvent) { seen = append(seen, ev) })()

	if err := late.JoinSession(ctx, id); err != nil {
		t.Fatal(err)
	}

	// Two replayed snapshots in join order, then the newcomer's own join
	// echo; the departed participant does not appear.
	if len(seen) != 3 {
		t.Fatalf("membership events = %+v, want 3", seen)
	}
	if seen[0].Kind != MembershipSnapshot || seen[0].UserID != "u-host" || !seen[0].Host {
		t.Errorf("first event = %+v, want host snapshot", seen[0])
	}
	if seen[0].Status != session.StatusSpeaking {
		t.Errorf("host status = %q, want the latest status applied", seen[0].Status)
	}
	if seen[1].Kind != MembershipSnapshot || seen[1].UserID != "u-early" {
		t.Errorf("second event = %+v, want the earlier guest", seen[1])
	}
	if seen[2].Kind != MembershipJoin || seen[2].UserID != "u-late" {
		t.Errorf("third event = %+v, want own join echo", seen[2])
	}
	for _, ev := range seen {
		if ev.UserID == "u-gone" {
			t.Errorf("departed participant replayed: %+v", ev)
		}
	}
}

func TestJoinReplayDowngradesJoins(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	host := NewChannel(hub.Client(), "u-host", "Ada", log.New(io.Discard))
	id, err := host.CreateSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	early := NewChannel(hub.Client(), "u-early", "Lin", log.New(io.Discard))
	if err := early.JoinSession(ctx, id); err != nil {
		t.Fatal(err)
	}

	late := NewChannel(hub.Client(), "u-late", "Kim", log.New(io.Discard))
	var kinds []MembershipKind
	defer late.OnMembership(func(ev MembershipEvent) {
		if ev.UserID == "u-early" {
			kinds = append(kinds, ev.Kind)
		}
	})()
	if err := late.JoinSession(ctx, id); err != nil {
		t.Fatal(err)
	}

	// The earlier guest's historical join must not look like a fresh
	// arrival to the newcomer.
	if len(kinds) != 1 || kinds[0] != MembershipSnapshot {
		t.Errorf("replayed kinds = %v, want one snapshot", kinds)
	}
}

func TestAttachIsExclusive(t *testing.T) {
	host, _, _ := testPair(t)
	if err := host.JoinSession(context.Background(), "other"); err == nil {
		t.Error("joined a second session while attached")
	}
}

func TestTranslationSelfFilter(t *testing.T) {
	host, guest, id := testPair(t)

	var hostGot, guestGot []session.Exchange
	defer host.OnTranslation(func(ex session.Exchange) { hostGot = append(hostGot, ex) })()
	defer guest.OnTranslation(func(ex session.Exchange) { guestGot = append(guestGot, ex) })()

	ex := &session.Exchange{
		ID:             "ex-1",
		SessionID:      id,
		SenderID:       "u-host",
		OriginalText:   "hello",
		TranslatedText: "hola",
		SourceLang:     "en",
		TargetLang:     "es",
		Timestamp:      time.Now().UTC(),
		Confidence:     0.95,
		Enhanced:       true,
	}
	if err := host.SendTranslation(context.Background(), ex); err != nil {
		t.Fatal(err)
	}

	if len(hostGot) != 0 {
		t.Error("sender re-processed its own broadcast")
	}
	if len(guestGot) != 1 {
		t.Fatalf("guest received %d exchanges, want 1", len(guestGot))
	}
	got := guestGot[0]
	if got.ID != ex.ID || got.TranslatedText != ex.TranslatedText ||
		got.Confidence != ex.Confidence || !got.Enhanced {
		t.Errorf("exchange did not round-trip: %+v", got)
	}
	if !got.Timestamp.Equal(ex.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, ex.Timestamp)
	}
}

func TestSignalAddressing(t *testing.T) {
	host, guest, id := testPair(t)
	third := NewChannel(host.tr, "u-third", "Sam", log.New(io.Discard))
	if err := third.JoinSession(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	var hostGot, guestGot, thirdGot []Signal
	defer host.OnSignal(func(sig Signal) { hostGot = append(hostGot, sig) })()
	defer guest.OnSignal(func(sig Signal) { guestGot = append(guestGot, sig) })()
	defer third.OnSignal(func(sig Signal) { thirdGot = append(thirdGot, sig) })()

	err := host.SendSignal(context.Background(), Signal{
		Type: SignalOffer,
		To:   "u-guest",
		SDP:  "v=0 ...",
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(hostGot) != 0 {
		t.Error("sender received its own signal")
	}
	if len(thirdGot) != 0 {
		t.Error("signal leaked to an unaddressed participant")
	}
	if len(guestGot) != 1 {
		t.Fatalf("guest received %d signals, want 1", len(guestGot))
	}
	sig := guestGot[0]
	if sig.From != "u-host" || sig.SessionID != id || sig.SDP != "v=0 ..." {
		t.Errorf("signal = %+v, want stamped sender and session", sig)
	}
}

func TestStatusUpdates(t *testing.T) {
	host, guest, _ := testPair(t)

	var seen []MembershipEvent
	defer guest.OnMembership(func(ev MembershipEvent) { seen = append(seen, ev) })()

	if err := host.UpdateStatus(context.Background(), session.StatusSpeaking); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 1 || seen[0].Kind != MembershipStatus {
		t.Fatalf("membership events = %+v", seen)
	}
	if seen[0].Status != session.StatusSpeaking || seen[0].UserID != "u-host" {
		t.Errorf("status event = %+v", seen[0])
	}
}

func TestLeaveSession(t *testing.T) {
	host, guest, _ := testPair(t)

	var seen []MembershipEvent
	defer host.OnMembership(func(ev MembershipEvent) { seen = append(seen, ev) })()

	if err := guest.LeaveSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	if guest.SessionID() != "" {
		t.Error("guest still attached after leave")
	}
	if len(seen) != 1 || seen[0].Kind != MembershipLeave || seen[0].UserID != "u-guest" {
		t.Fatalf("membership events = %+v", seen)
	}

	// Leaving again without an attachment is a no-op.
	if err := guest.LeaveSession(context.Background()); err != nil {
		t.Errorf("second leave returned %v", err)
	}
}

func TestHistoryNewestFirstAndBounded(t *testing.T) {
	host, guest, id := testPair(t)

	for i := 0; i < HistoryLimit+10; i++ {
		ex := &session.Exchange{
			ID:        fmt.Sprintf("ex-%d", i),
			SessionID: id,
			SenderID:  "u-host",
		}
		if err := host.SendTranslation(context.Background(), ex); err != nil {
			t.Fatal(err)
		}
	}

	got, err := guest.History(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != HistoryLimit {
		t.Fatalf("history returned %d entries, want %d", len(got), HistoryLimit)
	}
	if got[0].ID != fmt.Sprintf("ex-%d", HistoryLimit+9) {
		t.Errorf("first entry = %q, want the newest", got[0].ID)
	}

	limited, err := guest.History(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 3 {
		t.Errorf("limited history returned %d entries, want 3", len(limited))
	}
}

func TestOperationsRequireAttachment(t *testing.T) {
	hub := NewMemoryHub()
	c := NewChannel(hub.Client(), "u-1", "Solo", log.New(io.Discard))
	ctx := context.Background()

	if err := c.UpdateStatus(ctx, session.StatusConnected); err == nil {
		t.Error("status update succeeded without attachment")
	}
	if err := c.SendTranslation(ctx, &session.Exchange{}); err == nil {
		t.Error("translation publish succeeded without attachment")
	}
	if err := c.SendSignal(ctx, Signal{To: "u-2"}); err == nil {
		t.Error("signal publish succeeded without attachment")
	}
	if _, err := c.History(ctx, 5); err == nil {
		t.Error("history query succeeded without attachment")
	}
}
