package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ent0n29/billrelay/internal/backend"
	"github.com/ent0n29/billrelay/internal/files"
	"github.com/ent0n29/billrelay/internal/handoff"
	"github.com/ent0n29/billrelay/internal/protocol"
	"github.com/ent0n29/billrelay/internal/relay"
)

// Backend answers whether a primary session is still accepting uploads.
type Backend interface {
	SessionStatus(ctx context.Context, sessionID string) (bool, error)
}

type Config struct {
	// OnChange runs on the event loop after every applied event. It must not
	// call back into the Coordinator synchronously.
	OnChange func(Snapshot)
}

type Snapshot struct {
	State     State                `json:"state"`
	Session   handoff.Session      `json:"session"`
	File      *handoff.FileHandoff `json:"file,omitempty"`
	LastError string               `json:"last_error,omitempty"`
}

// Coordinator drives the companion side: join a primary session by its
// external id, then upload, replace and relay captured files.
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

	// Loop-owned.
	machine *handoff.Machine[State, Trigger]
	gen     uint64
	genDone chan struct{}
	attempt uint64
	conn    relay.Conn
	session handoff.Session
	file    *handoff.FileHandoff
	lastErr string

	pendingJoin     chan error
	pendingSelect   chan error
	pendingReupload chan error
}

type (
	joinCmd struct {
		ctx        context.Context
		externalID string
		reply      chan error
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
	closeCmd struct {
		ctx   context.Context
		reply chan error
	}

	livenessChecked struct {
		ctx    context.Context
		gen    uint64
		active bool
		err    error
	}
	dialed struct {
		ctx  context.Context
		gen  uint64
		conn relay.Conn
		err  error
	}
	announced struct {
		gen uint64
		err error
	}
	uploaded struct {
		ctx     context.Context
		gen     uint64
		attempt uint64
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
	primaryClosed struct {
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
		baseLog:  log.With().Str("role", string(handoff.RoleCompanion)).Logger(),
		events:   make(chan any, 32),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		machine:  handoff.NewMachine(StateInit, transitions),
		genDone:  make(chan struct{}),
		session:  handoff.Session{Role: handoff.RoleCompanion, Connection: handoff.Disconnected},
	}
	c.log = c.baseLog
	c.publish()
	go c.run()
	return c
}

// Join checks the primary session is live, connects and announces itself.
// An inactive session is terminal and yields ErrSessionInactive.
func (c *Coordinator) Join(ctx context.Context, externalID string) error {
	if externalID == "" {
		return fmt.Errorf("join: empty session id")
	}
	reply := make(chan error, 1)
	if err := c.post(ctx, joinCmd{ctx: ctx, externalID: externalID, reply: reply}); err != nil {
		return err
	}
	return c.wait(ctx, reply)
}

// SelectFile uploads a captured file to the primary's session and relays it.
// A returned ErrRelayDeliveryUnknown means the upload itself succeeded.
func (c *Coordinator) SelectFile(ctx context.Context, file backend.File) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, selectCmd{ctx: ctx, file: file, reply: reply}); err != nil {
		return err
	}
	return c.wait(ctx, reply)
}

// Reupload deletes the previous upload and returns to Joined.
func (c *Coordinator) Reupload(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, reuploadCmd{ctx: ctx, reply: reply}); err != nil {
		return err
	}
	return c.wait(ctx, reply)
}

// Close leaves the session, tells the primary and stops the coordinator.
func (c *Coordinator) Close(ctx context.Context) error {
	reply := make(chan error, 1)
	err := c.post(ctx, closeCmd{ctx: ctx, reply: reply})
	if err == nil {
		err = c.wait(ctx, reply)
	}
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

// postAsync reports false when ev was dropped because its generation ended.
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
	case joinCmd:
		c.handleJoin(e)
	case livenessChecked:
		c.handleLiveness(e)
	case dialed:
		c.handleDialed(e)
	case announced:
		c.handleAnnounced(e)
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
	case closeCmd:
		c.handleClose(e)
	case primaryClosed:
		c.handlePrimaryClosed(e)
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

// refuse maps an operation attempted in the wrong state to its error.
func (c *Coordinator) refuse(op string) error {
	switch c.machine.State() {
	case StateSessionClosed:
		return handoff.ErrSessionClosed
	case StateInactive:
		return handoff.ErrSessionInactive
	case StateClosed:
		return handoff.ErrClosed
	}
	return fmt.Errorf("%w: %s in state %s", handoff.ErrInvalidTransition, op, c.machine.State())
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

func (c *Coordinator) handleJoin(e joinCmd) {
	if !c.machine.Can(TriggerJoin) {
		e.reply <- c.refuse("join")
		return
	}
	_ = c.fire(TriggerJoin)
	c.lastErr = ""
	c.session = handoff.Session{Role: handoff.RoleCompanion, PeerSessionID: e.externalID, Connection: handoff.Disconnected}
	c.log = c.baseLog.With().Str("peer_session_id", e.externalID).Logger()
	c.pendingJoin = e.reply

	gen, done := c.gen, c.genDone
	go func() {
		active, err := c.backend.SessionStatus(e.ctx, e.externalID)
		c.postAsync(done, livenessChecked{ctx: e.ctx, gen: gen, active: active, err: err})
	}()
}

func (c *Coordinator) handleLiveness(e livenessChecked) {
	if c.stale(e.gen) {
		return
	}
	switch {
	case e.err != nil:
		_ = c.fire(TriggerLivenessFailed)
		c.replyJoin(c.fail(e.err))
	case !e.active:
		_ = c.fire(TriggerInactive)
		c.log.Info().Msg("session inactive")
		c.replyJoin(c.fail(handoff.ErrSessionInactive))
	default:
		_ = c.fire(TriggerLive)
		c.session.Connection = handoff.Connecting
		gen, done := c.gen, c.genDone
		go func() {
			conn, err := c.dialer.Dial(e.ctx)
			if !c.postAsync(done, dialed{ctx: e.ctx, gen: gen, conn: conn, err: err}) && conn != nil {
				_ = conn.Close()
			}
		}()
	}
}

func (c *Coordinator) handleDialed(e dialed) {
	if c.stale(e.gen) {
		if e.conn != nil {
			go e.conn.Close()
		}
		return
	}
	if e.err != nil {
		_ = c.fire(TriggerConnectFailed)
		c.session.Connection = handoff.Disconnected
		c.replyJoin(c.fail(e.err))
		return
	}
	c.conn = e.conn
	c.session.ID = e.conn.ID()
	c.session.Connection = handoff.Connected
	c.log = c.log.With().Str("session_id", c.session.ID).Logger()
	c.subscribe(e.conn)

	conn, gen, done := e.conn, c.gen, c.genDone
	msg := protocol.MobileConnected{HomeSessionID: c.session.PeerSessionID, MobileSessionID: c.session.ID}
	go func() {
		err := emit(e.ctx, conn, protocol.EventMobileConnected, msg)
		c.postAsync(done, announced{gen: gen, err: err})
	}()
}

// handleAnnounced joins even if the announcement was not confirmed; the
// primary accepts relayed files without a prior pairing event.
func (c *Coordinator) handleAnnounced(e announced) {
	if c.stale(e.gen) || c.machine.State() != StateConnecting {
		return
	}
	if err := c.fire(TriggerConnected); err != nil {
		c.replyJoin(err)
		return
	}
	if e.err != nil {
		c.log.Warn().Err(e.err).Msg("pairing announcement unconfirmed")
		c.replyJoin(c.fail(e.err))
		return
	}
	c.log.Info().Msg("joined session")
	c.replyJoin(nil)
}

func (c *Coordinator) replyJoin(err error) {
	if c.pendingJoin != nil {
		c.pendingJoin <- err
		c.pendingJoin = nil
	}
}

func (c *Coordinator) subscribe(conn relay.Conn) {
	gen, done := c.gen, c.genDone
	conn.On(protocol.EventSessionClosed, func(raw json.RawMessage) {
		msg, err := protocol.ParseSessionClosed(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("session closed rejected")
			return
		}
		c.postAsync(done, primaryClosed{gen: gen, msg: msg})
	})
	// Files relayed to a companion are not part of the flow.
	conn.On(protocol.EventFileMessage, func(json.RawMessage) {
		c.log.Debug().Msg("file message ignored")
	})
}

func (c *Coordinator) handleSelect(e selectCmd) {
	if !c.machine.Can(TriggerFileSelected) {
		e.reply <- c.refuse("select file")
		return
	}
	fh := handoff.NewFileHandoff(handoff.RoleCompanion)
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
	c.attempt++
	c.file = fh
	c.pendingSelect = e.reply

	gen, attempt, done, owner, file := c.gen, c.attempt, c.genDone, c.session.PeerSessionID, e.file
	go func() {
		res, err := c.files.Upload(e.ctx, file, owner, handoff.RoleCompanion)
		c.postAsync(done, uploaded{ctx: e.ctx, gen: gen, attempt: attempt, res: res, err: err})
	}()
}

func (c *Coordinator) handleUploaded(e uploaded) {
	if c.stale(e.gen) || e.attempt != c.attempt || c.file == nil {
		return
	}
	if e.err != nil {
		c.files.Revoke(c.file.LocalPreviewURL)
		c.file = nil
		_ = c.fire(TriggerUploadFailed)
		c.replySelect(c.fail(e.err))
		return
	}
	if err := c.file.MarkUploaded(e.res.RemoteURL, e.res.MIMEType); err != nil {
		c.replySelect(err)
		return
	}
	_ = c.fire(TriggerUploadDone)

	conn, gen, attempt, done := c.conn, c.gen, c.attempt, c.genDone
	msg := protocol.SendMessageToSession{
		SessionID:    c.session.PeerSessionID,
		Message:      e.res.RemoteURL,
		Type:         protocol.MessageTypeFile,
		FileType:     c.file.MIMEType,
		UploadedFrom: string(handoff.RoleCompanion),
	}
	go func() {
		err := emit(e.ctx, conn, protocol.EventSendMessageToSession, msg)
		c.postAsync(done, fileRelayed{gen: gen, attempt: attempt, err: err})
	}()
}

// handleFileRelayed keeps the upload even when the relay is unconfirmed; the
// two are not reconciled.
func (c *Coordinator) handleFileRelayed(e fileRelayed) {
	if c.stale(e.gen) || e.attempt != c.attempt {
		return
	}
	if e.err != nil {
		c.log.Warn().Err(e.err).Msg("file relay unconfirmed")
		c.replySelect(c.fail(e.err))
		return
	}
	c.log.Info().Msg("file sent to primary")
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
		e.reply <- c.refuse("reupload")
		return
	}
	if err := c.file.StartDelete(); err != nil {
		e.reply <- err
		return
	}
	_ = c.fire(TriggerReupload)
	c.pendingReupload = e.reply

	conn, gen, attempt, done := c.conn, c.gen, c.attempt, c.genDone
	owner, name := c.session.PeerSessionID, c.file.RemoteFileName()
	go func() {
		err := c.files.DeleteRemote(e.ctx, owner, name)
		var relayErr error
		if err == nil {
			relayErr = emit(e.ctx, conn, protocol.EventRemoveFilePreview, protocol.RemoveFilePreview{SessionID: owner, RemovePreview: true})
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
		_ = c.fire(TriggerReuploadFailed)
		if reply != nil {
			reply <- c.fail(e.err)
		}
		return
	}
	_ = c.file.MarkDeleted()
	c.files.Revoke(c.file.LocalPreviewURL)
	c.file = nil
	_ = c.fire(TriggerReuploadDone)
	if e.relayErr != nil {
		c.log.Warn().Err(e.relayErr).Msg("remove preview relay unconfirmed")
	}
	if reply != nil {
		reply <- e.relayErr
	}
}

func (c *Coordinator) handleClose(e closeCmd) {
	state := c.machine.State()
	notify := !state.Terminal()
	done := c.release(e.ctx, notify)
	if !state.Terminal() {
		c.machine.Reset(StateClosed)
	}
	go func() { e.reply <- <-done }()
}

// handlePrimaryClosed is terminal: capture is disabled for good.
func (c *Coordinator) handlePrimaryClosed(e primaryClosed) {
	if c.stale(e.gen) {
		return
	}
	if e.msg.SessionID != c.session.PeerSessionID {
		return
	}
	if err := c.fire(TriggerSessionClosed); err != nil {
		return
	}
	c.log.Info().Msg("primary closed the session")
	c.release(context.Background(), false)
}

// release drops the relay channel and local preview. The session fields stay
// readable in snapshots; the generation is retired so late completions are ignored.
func (c *Coordinator) release(ctx context.Context, notifyPeer bool) <-chan error {
	conn, sess, fh := c.conn, c.session, c.file
	if fh != nil {
		c.files.Revoke(fh.LocalPreviewURL)
	}
	pendingErr := handoff.ErrClosed
	if c.machine.State() == StateSessionClosed {
		pendingErr = handoff.ErrSessionClosed
	}
	c.resolvePending(pendingErr)
	close(c.genDone)
	c.gen++
	c.genDone = make(chan struct{})
	c.conn = nil
	c.session.Connection = handoff.Disconnected

	log := c.log
	done := make(chan error, 1)
	go func() {
		var err error
		if notifyPeer && conn != nil && sess.Paired() {
			msg := protocol.SessionClosed{SessionID: sess.PeerSessionID, MobileSessionID: sess.ID}
			if err = emit(ctx, conn, protocol.EventSessionClosed, msg); err != nil {
				log.Warn().Err(err).Msg("session closed relay unconfirmed")
			}
		}
		if conn != nil {
			_ = conn.Close()
		}
		done <- err
	}()
	return done
}

func (c *Coordinator) resolvePending(err error) {
	c.replyJoin(err)
	c.replySelect(err)
	if c.pendingReupload != nil {
		c.pendingReupload <- err
		c.pendingReupload = nil
	}
}

func (c *Coordinator) publish() {
	snap := Snapshot{
		State:     c.machine.State(),
		Session:   c.session,
		File:      c.file.Clone(),
		LastError: c.lastErr,
	}
	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(snap)
	}
}

func emit(ctx context.Context, conn relay.Conn, event string, payload any) error {
	if conn == nil {
		return fmt.Errorf("%w: %s: not connected", handoff.ErrRelayDeliveryUnknown, event)
	}
	ack, err := conn.Emit(ctx, event, payload)
	if err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("%w: %s rejected: %s", handoff.ErrRelayDeliveryUnknown, event, ack.Message)
	}
	return nil
}
