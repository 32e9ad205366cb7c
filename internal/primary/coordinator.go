package primary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/billrelay/internal/backend"
	"github.com/ent0n29/billrelay/internal/files"
	"github.com/ent0n29/billrelay/internal/handoff"
	"github.com/ent0n29/billrelay/internal/protocol"
	"github.com/ent0n29/billrelay/internal/relay"
)

// Backend provides the pairing image for a session id.
type Backend interface {
	GenerateQR(ctx context.Context, sessionID string) ([]byte, error)
}

type Config struct {
	// CompanionURL is the capture page the pairing code points at.
	CompanionURL string
	// OnChange runs on the event loop after every applied event. It must not
	// call back into the Coordinator synchronously.
	OnChange func(Snapshot)
}

// Snapshot is a read-only copy of the coordinator state.
type Snapshot struct {
	State        State                  `json:"state"`
	Session      handoff.Session        `json:"session"`
	Pairing      *handoff.PairingRecord `json:"pairing,omitempty"`
	File         *handoff.FileHandoff   `json:"file,omitempty"`
	QR           []byte                 `json:"-"`
	CompanionURL string                 `json:"companion_url,omitempty"`
	LastError    string                 `json:"last_error,omitempty"`
}

// Coordinator drives the primary side of a handoff session. All state is
// owned by a single event loop goroutine; public methods post commands to it.
type Coordinator struct {
	dialer  relay.Dialer
	files   *files.Manager
	backend Backend
	cfg     Config
	baseLog zerolog.Logger
	log     zerolog.Logger

	events   chan any
	quit     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once

	snapMu sync.RWMutex
	snap   Snapshot

	// Everything below is touched only by the loop.
	machine      *handoff.Machine[State, Trigger]
	gen          uint64
	genDone      chan struct{}
	attempt      uint64
	conn         relay.Conn
	session      handoff.Session
	pairing      *handoff.PairingRecord
	file         *handoff.FileHandoff
	localFile    *backend.File
	qr           []byte
	companionURL string
	lastErr      string

	pendingOpen     chan error
	pendingSelect   chan error
	pendingReupload chan error
	pendingConfirm  chan confirmResult
}

type confirmResult struct {
	invoice backend.ExtractedInvoice
	err     error
}

type (
	openCmd struct {
		ctx   context.Context
		reply chan error
	}
	selectCmd struct {
		ctx   context.Context
		file  backend.File
		reply chan error
	}
	reuploadCmd struct {
		ctx   context.Context
		reply chan error
	}
	confirmCmd struct {
		ctx   context.Context
		reply chan confirmResult
	}
	cancelCmd struct {
		ctx   context.Context
		reply chan error
	}

	dialed struct {
		ctx  context.Context
		gen  uint64
		conn relay.Conn
		err  error
	}
	registered struct {
		ctx context.Context
		gen uint64
		err error
	}
	qrFetched struct {
		gen uint64
		img []byte
		err error
	}
	uploaded struct {
		ctx     context.Context
		gen     uint64
		attempt uint64
		owner   string
		res     backend.UploadResult
		err     error
	}
	fileRelayed struct {
		gen     uint64
		attempt uint64
		err     error
	}
	deleted struct {
		gen      uint64
		attempt  uint64
		err      error
		relayErr error
	}
	extracted struct {
		ctx     context.Context
		gen     uint64
		attempt uint64
		invoice backend.ExtractedInvoice
		err     error
	}

	peerAnnounced struct {
		gen uint64
		msg protocol.MobileConnected
	}
	fileMessage struct {
		gen uint64
		msg protocol.FileMessage
	}
	removePreview struct {
		gen uint64
		msg protocol.RemoveFilePreview
	}
	peerClosed struct {
		gen uint64
		msg protocol.SessionClosed
	}
)

func New(dialer relay.Dialer, fm *files.Manager, be Backend, cfg Config, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		dialer:   dialer,
		files:    fm,
		backend:  be,
		cfg:      cfg,
		baseLog:  log.With().Str("role", string(handoff.RolePrimary)).Logger(),
		events:   make(chan any, 32),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		machine:  handoff.NewMachine(StateClosed, transitions),
		genDone:  make(chan struct{}),
		session:  handoff.Session{Role: handoff.RolePrimary, Connection: handoff.Disconnected},
	}
	c.log = c.baseLog
	c.publish()
	go c.run()
	return c
}

// Open connects, registers and fetches the pairing image. It returns once the
// coordinator is awaiting an upload, or with the error that aborted the open.
func (c *Coordinator) Open(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, openCmd{ctx: ctx, reply: reply}); err != nil {
		return err
	}
	return c.wait(ctx, reply)
}

// SelectFile previews, uploads and relays a locally chosen file. A returned
// ErrRelayDeliveryUnknown means the upload succeeded but the peer may not know.
func (c *Coordinator) SelectFile(ctx context.Context, file backend.File) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, selectCmd{ctx: ctx, file: file, reply: reply}); err != nil {
		return err
	}
	return c.wait(ctx, reply)
}

// Reupload discards the held file and returns to awaiting an upload.
func (c *Coordinator) Reupload(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, reuploadCmd{ctx: ctx, reply: reply}); err != nil {
		return err
	}
	return c.wait(ctx, reply)
}

// Confirm submits the held file for extraction and closes the session on success.
func (c *Coordinator) Confirm(ctx context.Context) (backend.ExtractedInvoice, error) {
	reply := make(chan confirmResult, 1)
	if err := c.post(ctx, confirmCmd{ctx: ctx, reply: reply}); err != nil {
		return backend.ExtractedInvoice{}, err
	}
	select {
	case <-ctx.Done():
		return backend.ExtractedInvoice{}, ctx.Err()
	case res := <-reply:
		return res.invoice, res.err
	case <-c.loopDone:
		return backend.ExtractedInvoice{}, handoff.ErrClosed
	}
}

// Cancel closes the session from any state.
func (c *Coordinator) Cancel(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, cancelCmd{ctx: ctx, reply: reply}); err != nil {
		return err
	}
	return c.wait(ctx, reply)
}

// Close cancels the session and stops the event loop.
func (c *Coordinator) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.Cancel(ctx)
	if errors.Is(err, handoff.ErrClosed) {
		err = nil
	}
	c.stopOnce.Do(func() { close(c.quit) })
	<-c.loopDone
	return err
}

func (c *Coordinator) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

func (c *Coordinator) post(ctx context.Context, ev any) error {
	select {
	case <-c.quit:
		return handoff.ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return handoff.ErrClosed
	case c.events <- ev:
		return nil
	}
}

// postAsync delivers a completion or relay event unless its generation was
// torn down, and reports whether it did.
func (c *Coordinator) postAsync(done <-chan struct{}, ev any) bool {
	select {
	case <-done:
		return false
	case <-c.quit:
		return false
	case c.events <- ev:
		return true
	}
}

func (c *Coordinator) wait(ctx context.Context, reply <-chan error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-reply:
		return err
	case <-c.loopDone:
		return handoff.ErrClosed
	}
}

func (c *Coordinator) run() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.quit:
			c.resolvePending(handoff.ErrClosed)
			return
		case ev := <-c.events:
			c.dispatch(ev)
			c.publish()
		}
	}
}

func (c *Coordinator) dispatch(ev any) {
	switch e := ev.(type) {
	case openCmd:
		c.handleOpen(e)
	case dialed:
		c.handleDialed(e)
	case registered:
		c.handleRegistered(e)
	case qrFetched:
		c.handleQR(e)
	case selectCmd:
		c.handleSelect(e)
	case uploaded:
		c.handleUploaded(e)
	case fileRelayed:
		c.handleFileRelayed(e)
	case reuploadCmd:
		c.handleReupload(e)
	case deleted:
		c.handleDeleted(e)
	case confirmCmd:
		c.handleConfirm(e)
	case extracted:
		c.handleExtracted(e)
	case cancelCmd:
		c.handleCancel(e)
	case peerAnnounced:
		c.handlePeerAnnounced(e)
	case fileMessage:
		c.handleFileMessage(e)
	case removePreview:
		c.handleRemovePreview(e)
	case peerClosed:
		c.handlePeerClosed(e)
	default:
		c.log.Error().Str("event", fmt.Sprintf("%T", ev)).Msg("unknown event")
	}
}

func (c *Coordinator) fire(t Trigger) error {
	from := c.machine.State()
	to, err := c.machine.Fire(t)
	if err != nil {
		c.log.Warn().Str("state", string(from)).Str("event", string(t)).Msg("event rejected")
		return err
	}
	if from != to {
		c.log.Debug().Str("from", string(from)).Str("to", string(to)).Str("event", string(t)).Msg("state changed")
	}
	return nil
}

func (c *Coordinator) fail(err error) error {
	if err != nil {
		c.lastErr = err.Error()
	}
	return err
}

func (c *Coordinator) stale(gen uint64) bool {
	return gen != c.gen
}

func (c *Coordinator) handleOpen(e openCmd) {
	if err := c.fire(TriggerOpen); err != nil {
		e.reply <- err
		return
	}
	c.lastErr = ""
	c.session = handoff.Session{Role: handoff.RolePrimary, Connection: handoff.Connecting}
	c.pendingOpen = e.reply
	gen, done := c.gen, c.genDone
	go func() {
		conn, err := c.dialer.Dial(e.ctx)
		if !c.postAsync(done, dialed{ctx: e.ctx, gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (c *Coordinator) handleDialed(e dialed) {
	if c.stale(e.gen) {
		if e.conn != nil {
			go e.conn.Close()
		}
		return
	}
	if e.err != nil {
		_ = c.fire(TriggerOpenFailed)
		c.session.Connection = handoff.Disconnected
		c.replyOpen(c.fail(e.err))
		return
	}
	c.conn = e.conn
	c.session.ID = e.conn.ID()
	c.session.Connection = handoff.Connected
	c.log = c.baseLog.With().Str("session_id", c.session.ID).Logger()
	c.subscribe(e.conn)

	gen, done, id := c.gen, c.genDone, c.session.ID
	go func() {
		_, err := e.conn.Register(e.ctx, id)
		c.postAsync(done, registered{ctx: e.ctx, gen: gen, err: err})
	}()
}

func (c *Coordinator) handleRegistered(e registered) {
	if c.stale(e.gen) {
		return
	}
	if e.err != nil {
		// Non-fatal: the channel stays open and the id is still usable for sending.
		c.log.Warn().Err(e.err).Msg("relay register failed")
		c.lastErr = e.err.Error()
	}
	if err := c.fire(TriggerRegistered); err != nil {
		return
	}
	gen, done, id := c.gen, c.genDone, c.session.ID
	go func() {
		img, err := c.backend.GenerateQR(e.ctx, id)
		c.postAsync(done, qrFetched{gen: gen, img: img, err: err})
	}()
}

func (c *Coordinator) handleQR(e qrFetched) {
	if c.stale(e.gen) {
		return
	}
	if e.err != nil {
		reply := c.pendingOpen
		c.pendingOpen = nil
		err := c.fail(e.err)
		done := c.teardown(context.Background(), false, false)
		go func() {
			<-done
			if reply != nil {
				reply <- err
			}
		}()
		return
	}
	if err := c.fire(TriggerQRReady); err != nil {
		return
	}
	c.qr = e.img
	c.companionURL = companionLink(c.cfg.CompanionURL, c.session.ID)
	c.log.Info().Str("companion_url", c.companionURL).Msg("awaiting upload")
	c.replyOpen(nil)
}

func (c *Coordinator) replyOpen(err error) {
	if c.pendingOpen != nil {
		c.pendingOpen <- err
		c.pendingOpen = nil
	}
}

func (c *Coordinator) subscribe(conn relay.Conn) {
	gen, done := c.gen, c.genDone
	conn.On(protocol.EventMobileConnected, func(raw json.RawMessage) {
		msg, err := protocol.ParseMobileConnected(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("pairing event rejected")
			return
		}
		c.postAsync(done, peerAnnounced{gen: gen, msg: msg})
	})
	conn.On(protocol.EventFileMessage, func(raw json.RawMessage) {
		msg, err := protocol.ParseFileMessage(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("file message rejected")
			return
		}
		c.postAsync(done, fileMessage{gen: gen, msg: msg})
	})
	conn.On(protocol.EventRemoveFilePreview, func(raw json.RawMessage) {
		msg, err := protocol.ParseRemoveFilePreview(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("remove preview rejected")
			return
		}
		c.postAsync(done, removePreview{gen: gen, msg: msg})
	})
	conn.On(protocol.EventSessionClosed, func(raw json.RawMessage) {
		msg, err := protocol.ParseSessionClosed(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("session closed rejected")
			return
		}
		c.postAsync(done, peerClosed{gen: gen, msg: msg})
	})
}

func (c *Coordinator) handleSelect(e selectCmd) {
	if !c.machine.Can(TriggerFileSelected) {
		e.reply <- fmt.Errorf("%w: select file in state %s", handoff.ErrInvalidTransition, c.machine.State())
		return
	}
	fh := handoff.NewFileHandoff(handoff.RolePrimary)
	previewURL := c.files.Preview(e.file)
	if err := fh.StartPreview(previewURL, e.file.MIMEType); err != nil {
		c.files.Revoke(previewURL)
		e.reply <- err
		return
	}
	if err := fh.StartUpload(); err != nil {
		c.files.Revoke(previewURL)
		e.reply <- err
		return
	}
	_ = c.fire(TriggerFileSelected)
	file := e.file
	c.attempt++
	c.file = fh
	c.localFile = &file
	c.pendingSelect = e.reply

	gen, attempt, done, owner := c.gen, c.attempt, c.genDone, c.session.ID
	go func() {
		res, err := c.files.Upload(e.ctx, file, owner, handoff.RolePrimary)
		if !c.postAsync(done, uploaded{ctx: e.ctx, gen: gen, attempt: attempt, owner: owner, res: res, err: err}) && err == nil {
			c.discardUpload(owner, res)
		}
	}()
}

func (c *Coordinator) handleUploaded(e uploaded) {
	if c.stale(e.gen) {
		if e.err == nil {
			go c.discardUpload(e.owner, e.res)
		}
		return
	}
	if e.attempt != c.attempt || c.file == nil {
		return
	}
	if e.err != nil {
		c.files.Revoke(c.file.LocalPreviewURL)
		c.file = nil
		c.localFile = nil
		_ = c.fire(TriggerUploadFailed)
		c.replySelect(c.fail(e.err))
		return
	}
	if err := c.file.MarkUploaded(e.res.RemoteURL, e.res.MIMEType); err != nil {
		c.replySelect(err)
		return
	}
	peer := c.session.PeerSessionID
	if !c.session.Paired() || c.conn == nil {
		// Nothing to relay yet; a later companion gets no retroactive notice.
		c.replySelect(nil)
		return
	}
	conn, gen, attempt, done := c.conn, c.gen, c.attempt, c.genDone
	msg := protocol.SendMessageToSession{
		SessionID:    peer,
		Message:      e.res.RemoteURL,
		Type:         protocol.MessageTypeFile,
		FileType:     c.file.MIMEType,
		UploadedFrom: string(handoff.RolePrimary),
	}
	go func() {
		err := emit(e.ctx, conn, protocol.EventSendMessageToSession, msg)
		c.postAsync(done, fileRelayed{gen: gen, attempt: attempt, err: err})
	}()
}

// discardUpload deletes a file whose upload finished after its session was
// torn down. Failures are left to the server's session purge.
func (c *Coordinator) discardUpload(owner string, res backend.UploadResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.files.DeleteRemote(ctx, owner, handoff.RemoteFileName(res.RemoteURL))
}

func (c *Coordinator) handleFileRelayed(e fileRelayed) {
	if c.stale(e.gen) || e.attempt != c.attempt {
		return
	}
	if e.err != nil {
		c.log.Warn().Err(e.err).Msg("file relay unconfirmed")
		c.replySelect(c.fail(e.err))
		return
	}
	c.replySelect(nil)
}

func (c *Coordinator) replySelect(err error) {
	if c.pendingSelect != nil {
		c.pendingSelect <- err
		c.pendingSelect = nil
	}
}

func (c *Coordinator) handleReupload(e reuploadCmd) {
	if !c.machine.Can(TriggerReupload) || c.file == nil {
		e.reply <- fmt.Errorf("%w: reupload in state %s", handoff.ErrInvalidTransition, c.machine.State())
		return
	}
	if c.file.Status != handoff.FileUploaded {
		e.reply <- handoff.ErrBusy
		return
	}
	if !c.file.OwnedBy(handoff.RolePrimary) {
		// The companion owns its upload; only the local reference is dropped.
		c.file = nil
		c.localFile = nil
		_ = c.fire(TriggerReupload)
		e.reply <- nil
		return
	}
	if err := c.file.StartDelete(); err != nil {
		e.reply <- err
		return
	}
	c.pendingReupload = e.reply
	conn, gen, attempt, done := c.conn, c.gen, c.attempt, c.genDone
	owner, peer, name := c.session.ID, c.session.PeerSessionID, c.file.RemoteFileName()
	go func() {
		err := c.files.DeleteRemote(e.ctx, owner, name)
		var relayErr error
		if err == nil && peer != "" && conn != nil {
			relayErr = emit(e.ctx, conn, protocol.EventRemoveFilePreview, protocol.RemoveFilePreview{SessionID: peer, RemovePreview: true})
		}
		c.postAsync(done, deleted{gen: gen, attempt: attempt, err: err, relayErr: relayErr})
	}()
}

func (c *Coordinator) handleDeleted(e deleted) {
	if c.stale(e.gen) || e.attempt != c.attempt || c.file == nil {
		return
	}
	reply := c.pendingReupload
	c.pendingReupload = nil
	if e.err != nil {
		_ = c.file.DeleteFailed()
		if reply != nil {
			reply <- c.fail(e.err)
		}
		return
	}
	_ = c.file.MarkDeleted()
	c.files.Revoke(c.file.LocalPreviewURL)
	c.file = nil
	c.localFile = nil
	_ = c.fire(TriggerReupload)
	if e.relayErr != nil {
		c.log.Warn().Err(e.relayErr).Msg("remove preview relay unconfirmed")
	}
	if reply != nil {
		reply <- e.relayErr
	}
}

func (c *Coordinator) handleConfirm(e confirmCmd) {
	if !c.machine.Can(TriggerConfirm) || c.file == nil {
		e.reply <- confirmResult{err: fmt.Errorf("%w: confirm in state %s", handoff.ErrInvalidTransition, c.machine.State())}
		return
	}
	if c.file.Status != handoff.FileUploaded {
		e.reply <- confirmResult{err: handoff.ErrBusy}
		return
	}
	_ = c.fire(TriggerConfirm)
	c.pendingConfirm = e.reply

	gen, attempt, done, owner := c.gen, c.attempt, c.genDone, c.session.ID
	local, remoteURL := c.localFile, c.file.RemoteURL
	go func() {
		var file backend.File
		if local != nil {
			file = *local
		} else {
			fetched, err := c.files.Fetch(e.ctx, remoteURL)
			if err != nil {
				c.postAsync(done, extracted{ctx: e.ctx, gen: gen, attempt: attempt, err: &handoff.ExtractionError{Detail: err.Error()}})
				return
			}
			file = fetched
		}
		inv, err := c.files.Extract(e.ctx, file, owner)
		c.postAsync(done, extracted{ctx: e.ctx, gen: gen, attempt: attempt, invoice: inv, err: err})
	}()
}

func (c *Coordinator) handleExtracted(e extracted) {
	if c.stale(e.gen) || e.attempt != c.attempt {
		return
	}
	reply := c.pendingConfirm
	c.pendingConfirm = nil
	if e.err != nil {
		_ = c.fire(TriggerConfirmFailed)
		if reply != nil {
			reply <- confirmResult{err: c.fail(e.err)}
		}
		return
	}
	_ = c.fire(TriggerConfirmSuccess)
	c.log.Info().Msg("file confirmed")
	done := c.teardown(e.ctx, false, true)
	go func() {
		<-done
		if reply != nil {
			reply <- confirmResult{invoice: e.invoice}
		}
	}()
}

func (c *Coordinator) handleCancel(e cancelCmd) {
	if c.machine.State() == StateClosed && c.conn == nil {
		e.reply <- nil
		return
	}
	c.log.Info().Str("state", string(c.machine.State())).Msg("session cancelled")
	done := c.teardown(e.ctx, true, true)
	go func() { e.reply <- <-done }()
}

// teardown resets the coordinator to Closed immediately and finishes the
// network side (delete, peer notice, channel close) asynchronously.
func (c *Coordinator) teardown(ctx context.Context, deleteOwned, notifyPeer bool) <-chan error {
	conn, sess, fh := c.conn, c.session, c.file

	if fh != nil {
		c.files.Revoke(fh.LocalPreviewURL)
	}
	c.resolvePending(handoff.ErrClosed)
	close(c.genDone)
	c.gen++
	c.genDone = make(chan struct{})
	c.conn = nil
	c.session = handoff.Session{Role: handoff.RolePrimary, Connection: handoff.Disconnected}
	c.pairing = nil
	c.file = nil
	c.localFile = nil
	c.qr = nil
	c.companionURL = ""
	c.machine.Reset(StateClosed)

	log := c.log
	c.log = c.baseLog
	done := make(chan error, 1)
	go func() {
		var errs []error
		if deleteOwned && fh.OwnedBy(handoff.RolePrimary) && fh.Status == handoff.FileUploaded {
			if err := c.files.DeleteRemote(ctx, sess.ID, fh.RemoteFileName()); err != nil {
				errs = append(errs, err)
			}
		}
		if notifyPeer && conn != nil && sess.Paired() {
			msg := protocol.SessionClosed{SessionID: sess.ID, MobileSessionID: sess.PeerSessionID}
			if err := emit(ctx, conn, protocol.EventSessionClosed, msg); err != nil {
				log.Warn().Err(err).Msg("session closed relay unconfirmed")
				errs = append(errs, err)
			}
		}
		if conn != nil {
			_ = conn.Close()
		}
		log.Info().Msg("session closed")
		done <- errors.Join(errs...)
	}()
	return done
}

func (c *Coordinator) resolvePending(err error) {
	c.replyOpen(err)
	c.replySelect(err)
	if c.pendingReupload != nil {
		c.pendingReupload <- err
		c.pendingReupload = nil
	}
	if c.pendingConfirm != nil {
		c.pendingConfirm <- confirmResult{err: err}
		c.pendingConfirm = nil
	}
}

func (c *Coordinator) handlePeerAnnounced(e peerAnnounced) {
	if c.stale(e.gen) {
		return
	}
	if e.msg.HomeSessionID != c.session.ID {
		c.log.Warn().Str("home_session_id", e.msg.HomeSessionID).Msg("pairing for another session rejected")
		return
	}
	if err := c.fire(TriggerPaired); err != nil {
		return
	}
	c.session.PeerSessionID = e.msg.MobileSessionID
	c.pairing = &handoff.PairingRecord{
		PrimarySessionID:   c.session.ID,
		CompanionSessionID: e.msg.MobileSessionID,
		EstablishedAt:      time.Now().UTC(),
	}
	c.log.Info().Str("peer_session_id", e.msg.MobileSessionID).Msg("companion paired")
}

// handleFileMessage accepts a relayed file whether or not pairing was seen first.
func (c *Coordinator) handleFileMessage(e fileMessage) {
	if c.stale(e.gen) {
		return
	}
	if e.msg.SessionID != c.session.ID {
		c.log.Warn().Str("target", e.msg.SessionID).Msg("file message for another session rejected")
		return
	}
	if role, ok := handoff.ParseRole(e.msg.UploadedFrom); !ok || role != handoff.RoleCompanion {
		c.log.Warn().Str("uploaded_from", e.msg.UploadedFrom).Msg("file message from unexpected source rejected")
		return
	}
	if !c.machine.Can(TriggerFileMessage) {
		_ = c.fire(TriggerFileMessage)
		return
	}
	fh, err := handoff.Received(e.msg.URL, e.msg.FileType, handoff.RoleCompanion)
	if err != nil {
		c.log.Warn().Err(err).Msg("file message rejected")
		return
	}
	_ = c.fire(TriggerFileMessage)
	c.attempt++
	c.file = fh
	c.localFile = nil
	c.log.Info().Str("file_url", fh.RemoteURL).Msg("file received from companion")
}

func (c *Coordinator) handleRemovePreview(e removePreview) {
	if c.stale(e.gen) {
		return
	}
	if e.msg.SessionID != c.session.ID {
		return
	}
	if !c.file.OwnedBy(handoff.RoleCompanion) || c.file.Status != handoff.FileUploaded {
		c.log.Warn().Msg("remove preview ignored: no companion file held")
		return
	}
	if err := c.fire(TriggerRemovePreview); err != nil {
		return
	}
	c.files.Revoke(c.file.LocalPreviewURL)
	c.file = nil
	c.localFile = nil
	c.log.Info().Msg("companion removed preview")
}

// handlePeerClosed unpairs; the primary flow stays open for another companion
// or a local upload.
func (c *Coordinator) handlePeerClosed(e peerClosed) {
	if c.stale(e.gen) {
		return
	}
	if !c.session.Paired() || e.msg.MobileSessionID != c.session.PeerSessionID {
		return
	}
	c.log.Info().Str("peer_session_id", c.session.PeerSessionID).Msg("companion left")
	c.session.PeerSessionID = ""
	c.pairing = nil
}

func (c *Coordinator) publish() {
	snap := Snapshot{
		State:        c.machine.State(),
		Session:      c.session,
		File:         c.file.Clone(),
		QR:           c.qr,
		CompanionURL: c.companionURL,
		LastError:    c.lastErr,
	}
	if c.pairing != nil {
		p := *c.pairing
		snap.Pairing = &p
	}
	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(snap)
	}
}

func emit(ctx context.Context, conn relay.Conn, event string, payload any) error {
	ack, err := conn.Emit(ctx, event, payload)
	if err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("%w: %s rejected: %s", handoff.ErrRelayDeliveryUnknown, event, ack.Message)
	}
	return nil
}

func companionLink(base, sessionID string) string {
	u, err := url.Parse(base)
	if err != nil || base == "" {
		return "?sessionId=" + url.QueryEscape(sessionID)
	}
	q := u.Query()
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}
