package companion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/billrelay/internal/backend"
	"github.com/ent0n29/billrelay/internal/backend/backendtest"
	"github.com/ent0n29/billrelay/internal/files"
	"github.com/ent0n29/billrelay/internal/handoff"
	"github.com/ent0n29/billrelay/internal/protocol"
	"github.com/ent0n29/billrelay/internal/relay/relaytest"
)

const homeID = "home-session"

type harness struct {
	c      *Coordinator
	dialer *relaytest.Dialer
	remote *backendtest.Stub
	files  *files.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{dialer: &relaytest.Dialer{}, remote: backendtest.New()}
	h.files = files.NewManager(h.remote, zerolog.Nop())
	h.c = New(h.dialer, h.files, h.remote, Config{}, zerolog.Nop())
	t.Cleanup(func() { _ = h.c.Close(context.Background()) })
	return h
}

func (h *harness) join(t *testing.T) *relaytest.Conn {
	t.Helper()
	if err := h.c.Join(context.Background(), homeID); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	return h.dialer.Last()
}

func photo() backend.File {
	return backend.File{Name: "bill.jpg", MIMEType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}}
}

func waitFor(t *testing.T, c *Coordinator, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := c.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met, last snapshot = %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJoinInactiveSessionNeverConnects(t *testing.T) {
	h := newHarness(t)
	h.remote.Deactivate(homeID)

	if err := h.c.Join(context.Background(), homeID); !errors.Is(err, handoff.ErrSessionInactive) {
		t.Fatalf("Join() error = %v, want ErrSessionInactive", err)
	}
	if h.dialer.Last() != nil {
		t.Fatalf("dialed relay for an inactive session")
	}
	if got := h.c.Snapshot().State; got != StateInactive {
		t.Fatalf("state = %s, want inactive", got)
	}
	// Terminal.
	if err := h.c.Join(context.Background(), homeID); !errors.Is(err, handoff.ErrSessionInactive) {
		t.Fatalf("second Join() error = %v, want ErrSessionInactive", err)
	}
}

func TestJoinLivenessErrorReturnsToInit(t *testing.T) {
	h := newHarness(t)
	h.remote.FailStatus(errors.New("status unavailable"))

	if err := h.c.Join(context.Background(), homeID); err == nil {
		t.Fatalf("Join() error = nil, want liveness failure")
	}
	if h.dialer.Last() != nil {
		t.Fatalf("dialed relay after failed liveness check")
	}
	if got := h.c.Snapshot().State; got != StateInit {
		t.Fatalf("state = %s, want init", got)
	}
}

func TestJoinConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.dialer.Fail(errors.New("refused"))

	var connectErr *handoff.ConnectError
	if err := h.c.Join(context.Background(), homeID); !errors.As(err, &connectErr) {
		t.Fatalf("Join() error = %v, want ConnectError", err)
	}
	if got := h.c.Snapshot().State; got != StateInit {
		t.Fatalf("state = %s, want init", got)
	}
}

func TestJoinAnnouncesPairing(t *testing.T) {
	h := newHarness(t)
	conn := h.join(t)

	if calls := h.remote.Calls("status"); len(calls) != 1 || calls[0].SessionID != homeID {
		t.Fatalf("status calls = %+v", calls)
	}
	sent := conn.EmittedEvent(protocol.EventMobileConnected)
	if len(sent) != 1 {
		t.Fatalf("mobile_connected emits = %d, want 1", len(sent))
	}
	var msg protocol.MobileConnected
	sent[0].Decode(&msg)
	if msg.HomeSessionID != homeID || msg.MobileSessionID != conn.ID() {
		t.Fatalf("mobile_connected = %+v", msg)
	}
	snap := h.c.Snapshot()
	if snap.State != StateJoined || snap.Session.ID != conn.ID() || snap.Session.PeerSessionID != homeID {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSelectFileUploadsToPrimarySession(t *testing.T) {
	h := newHarness(t)
	conn := h.join(t)

	if err := h.c.SelectFile(context.Background(), photo()); err != nil {
		t.Fatalf("SelectFile() error = %v", err)
	}
	calls := h.remote.Calls("upload")
	if len(calls) != 1 || calls[0].SessionID != homeID || calls[0].Source != "companion" {
		t.Fatalf("upload calls = %+v", calls)
	}
	snap := h.c.Snapshot()
	if snap.State != StateUploaded || snap.File.Status != handoff.FileUploaded || snap.File.SourceRole != handoff.RoleCompanion {
		t.Fatalf("snapshot = %+v", snap)
	}
	sent := conn.EmittedEvent(protocol.EventSendMessageToSession)
	if len(sent) != 1 {
		t.Fatalf("send_message_to_session emits = %d, want 1", len(sent))
	}
	var msg protocol.SendMessageToSession
	sent[0].Decode(&msg)
	if msg.SessionID != homeID || msg.Message != snap.File.RemoteURL || msg.UploadedFrom != "companion" || msg.FileType != "image/jpeg" || msg.Type != protocol.MessageTypeFile {
		t.Fatalf("relayed message = %+v", msg)
	}
}

func TestSelectFileUploadFailure(t *testing.T) {
	h := newHarness(t)
	h.join(t)
	h.remote.FailUpload(500)

	var uploadErr *handoff.UploadError
	if err := h.c.SelectFile(context.Background(), photo()); !errors.As(err, &uploadErr) {
		t.Fatalf("SelectFile() error = %v, want UploadError", err)
	}
	snap := h.c.Snapshot()
	if snap.State != StateJoined || snap.File != nil {
		t.Fatalf("snapshot = %+v, want joined without file", snap)
	}
	if n := h.files.Outstanding(); n != 0 {
		t.Fatalf("outstanding previews = %d, want 0", n)
	}
}

func TestSelectFileTwiceIsRejected(t *testing.T) {
	h := newHarness(t)
	h.join(t)
	if err := h.c.SelectFile(context.Background(), photo()); err != nil {
		t.Fatalf("SelectFile() error = %v", err)
	}
	if err := h.c.SelectFile(context.Background(), photo()); !errors.Is(err, handoff.ErrInvalidTransition) {
		t.Fatalf("second SelectFile() error = %v, want ErrInvalidTransition", err)
	}
}

func TestReuploadDeletesThenNotifies(t *testing.T) {
	h := newHarness(t)
	conn := h.join(t)
	if err := h.c.SelectFile(context.Background(), photo()); err != nil {
		t.Fatalf("SelectFile() error = %v", err)
	}

	if err := h.c.Reupload(context.Background()); err != nil {
		t.Fatalf("Reupload() error = %v", err)
	}
	calls := h.remote.Calls("delete")
	if len(calls) != 1 || calls[0].SessionID != homeID || calls[0].FileName != "bill.jpg" {
		t.Fatalf("delete calls = %+v", calls)
	}
	removed := conn.EmittedEvent(protocol.EventRemoveFilePreview)
	if len(removed) != 1 {
		t.Fatalf("remove_file_preview emits = %d, want 1", len(removed))
	}
	var msg protocol.RemoveFilePreview
	removed[0].Decode(&msg)
	if msg.SessionID != homeID || !msg.RemovePreview {
		t.Fatalf("remove preview = %+v", msg)
	}
	snap := h.c.Snapshot()
	if snap.State != StateJoined || snap.File != nil {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Capture again after replacing.
	if err := h.c.SelectFile(context.Background(), photo()); err != nil {
		t.Fatalf("SelectFile() after reupload error = %v", err)
	}
}

func TestReuploadDeleteFailureKeepsUpload(t *testing.T) {
	h := newHarness(t)
	conn := h.join(t)
	if err := h.c.SelectFile(context.Background(), photo()); err != nil {
		t.Fatalf("SelectFile() error = %v", err)
	}
	h.remote.FailDelete(503)

	var deleteErr *handoff.DeleteError
	if err := h.c.Reupload(context.Background()); !errors.As(err, &deleteErr) || deleteErr.Status != 503 {
		t.Fatalf("Reupload() error = %v, want DeleteError 503", err)
	}
	snap := h.c.Snapshot()
	if snap.State != StateUploaded || snap.File.Status != handoff.FileUploaded {
		t.Fatalf("snapshot = %+v, want uploaded", snap)
	}
	if got := conn.EmittedEvent(protocol.EventRemoveFilePreview); len(got) != 0 {
		t.Fatalf("remove preview emitted despite failed delete")
	}
}

func TestSessionClosedIsTerminal(t *testing.T) {
	h := newHarness(t)
	conn := h.join(t)

	conn.Deliver(protocol.EventSessionClosed, protocol.SessionClosed{SessionID: homeID, MobileSessionID: conn.ID()})
	waitFor(t, h.c, func(s Snapshot) bool { return s.State == StateSessionClosed })

	if err := h.c.SelectFile(context.Background(), photo()); !errors.Is(err, handoff.ErrSessionClosed) {
		t.Fatalf("SelectFile() error = %v, want ErrSessionClosed", err)
	}
	if err := h.c.Join(context.Background(), homeID); !errors.Is(err, handoff.ErrSessionClosed) {
		t.Fatalf("Join() error = %v, want ErrSessionClosed", err)
	}
	deadline := time.Now().Add(time.Second)
	for !conn.Closed() {
		if time.Now().After(deadline) {
			t.Fatalf("relay conn left open after session closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionClosedDuringUploadFailsPendingSelect(t *testing.T) {
	h := newHarness(t)
	conn := h.join(t)
	release := h.remote.HoldUploads()
	defer release()

	selectErr := make(chan error, 1)
	go func() { selectErr <- h.c.SelectFile(context.Background(), photo()) }()
	waitFor(t, h.c, func(s Snapshot) bool { return s.State == StateUploading })

	conn.Deliver(protocol.EventSessionClosed, protocol.SessionClosed{SessionID: homeID, MobileSessionID: conn.ID()})
	if err := <-selectErr; !errors.Is(err, handoff.ErrSessionClosed) {
		t.Fatalf("SelectFile() error = %v, want ErrSessionClosed", err)
	}
	release()
	time.Sleep(20 * time.Millisecond)
	if got := h.c.Snapshot().State; got != StateSessionClosed {
		t.Fatalf("state = %s, late upload left terminal state", got)
	}
}

func TestSessionClosedForOtherSessionIgnored(t *testing.T) {
	h := newHarness(t)
	conn := h.join(t)

	conn.Deliver(protocol.EventSessionClosed, protocol.SessionClosed{SessionID: "someone-else", MobileSessionID: conn.ID()})
	// Force the loop to process the event above before checking.
	if err := h.c.SelectFile(context.Background(), photo()); err != nil {
		t.Fatalf("SelectFile() error = %v", err)
	}
	if got := h.c.Snapshot().State; got != StateUploaded {
		t.Fatalf("state = %s, want uploaded", got)
	}
}

func TestCloseNotifiesPrimary(t *testing.T) {
	h := newHarness(t)
	conn := h.join(t)

	if err := h.c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	closed := conn.EmittedEvent(protocol.EventSessionClosed)
	if len(closed) != 1 {
		t.Fatalf("session_closed emits = %d, want 1", len(closed))
	}
	var msg protocol.SessionClosed
	closed[0].Decode(&msg)
	if msg.SessionID != homeID || msg.MobileSessionID != conn.ID() {
		t.Fatalf("session_closed = %+v", msg)
	}
	if !conn.Closed() {
		t.Fatalf("relay conn left open")
	}
	if err := h.c.Join(context.Background(), homeID); !errors.Is(err, handoff.ErrClosed) {
		t.Fatalf("Join() after Close error = %v, want ErrClosed", err)
	}
	// Idempotent.
	if err := h.c.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestRelayFailureAfterUploadKeepsFile(t *testing.T) {
	h := newHarness(t)
	conn := h.join(t)
	conn.FailEmit()

	if err := h.c.SelectFile(context.Background(), photo()); !errors.Is(err, handoff.ErrRelayDeliveryUnknown) {
		t.Fatalf("SelectFile() error = %v, want ErrRelayDeliveryUnknown", err)
	}
	if !h.remote.Stored(homeID, "bill.jpg") {
		t.Fatalf("upload not kept after relay failure")
	}
	if got := h.c.Snapshot().State; got != StateUploaded {
		t.Fatalf("state = %s, want uploaded", got)
	}
}

func TestSessionClosedWhileAnnouncing(t *testing.T) {
	h := newHarness(t)
	conn := relaytest.NewConn()
	release := conn.HoldEmit(protocol.EventMobileConnected)
	defer release()
	h.dialer.Push(conn)

	joinErr := make(chan error, 1)
	go func() { joinErr <- h.c.Join(context.Background(), homeID) }()

	// The primary can close as soon as it sees mobile_connected, before our ack.
	deadline := time.Now().Add(2 * time.Second)
	for !conn.Deliver(protocol.EventSessionClosed, protocol.SessionClosed{SessionID: homeID}) {
		if time.Now().After(deadline) {
			t.Fatalf("session_closed handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := <-joinErr; !errors.Is(err, handoff.ErrSessionClosed) {
		t.Fatalf("Join() error = %v, want ErrSessionClosed", err)
	}
	release()
	time.Sleep(20 * time.Millisecond)
	if got := h.c.Snapshot().State; got != StateSessionClosed {
		t.Fatalf("state = %s, want session_closed", got)
	}
	if !conn.Closed() {
		t.Fatalf("relay channel left open")
	}
	if err := h.c.SelectFile(context.Background(), photo()); !errors.Is(err, handoff.ErrSessionClosed) {
		t.Fatalf("SelectFile() error = %v, want ErrSessionClosed", err)
	}
}

func TestCloseDuringDialClosesLateConn(t *testing.T) {
	h := newHarness(t)
	release := h.dialer.Hold()
	defer release()

	joinErr := make(chan error, 1)
	go func() { joinErr <- h.c.Join(context.Background(), homeID) }()
	waitFor(t, h.c, func(s Snapshot) bool { return s.State == StateConnecting })

	if err := h.c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := <-joinErr; !errors.Is(err, handoff.ErrClosed) {
		t.Fatalf("Join() error = %v, want ErrClosed", err)
	}
	release()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if conn := h.dialer.Last(); conn != nil && conn.Closed() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("late relay channel never closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
