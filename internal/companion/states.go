package companion

import "github.com/ent0n29/billrelay/internal/handoff"

type State string

const (
	StateInit             State = "init"
	StateCheckingLiveness State = "checking_liveness"
	StateInactive         State = "inactive"
	StateConnecting       State = "connecting"
	StateJoined           State = "joined"
	StateUploading        State = "uploading"
	StateUploaded         State = "uploaded"
	StateReuploading      State = "reuploading"
	StateSessionClosed    State = "session_closed"
	StateClosed           State = "closed"
)

// Terminal reports whether no further operation can leave s.
func (s State) Terminal() bool {
	return s == StateInactive || s == StateSessionClosed || s == StateClosed
}

type Trigger string

const (
	TriggerJoin           Trigger = "join"
	TriggerLive           Trigger = "live"
	TriggerInactive       Trigger = "inactive"
	TriggerLivenessFailed Trigger = "liveness_failed"
	TriggerConnected      Trigger = "connected"
	TriggerConnectFailed  Trigger = "connect_failed"
	TriggerFileSelected   Trigger = "file_selected"
	TriggerUploadDone     Trigger = "upload_done"
	TriggerUploadFailed   Trigger = "upload_failed"
	TriggerReupload       Trigger = "reupload"
	TriggerReuploadDone   Trigger = "reupload_done"
	TriggerReuploadFailed Trigger = "reupload_failed"
	TriggerSessionClosed  Trigger = "session_closed"
)

var transitions = handoff.Table[State, Trigger]{
	StateInit: {
		TriggerJoin: StateCheckingLiveness,
	},
	StateCheckingLiveness: {
		TriggerLive:           StateConnecting,
		TriggerInactive:       StateInactive,
		TriggerLivenessFailed: StateInit,
	},
	StateConnecting: {
		TriggerConnected:     StateJoined,
		TriggerConnectFailed: StateInit,
		TriggerSessionClosed: StateSessionClosed,
	},
	StateJoined: {
		TriggerFileSelected:  StateUploading,
		TriggerSessionClosed: StateSessionClosed,
	},
	StateUploading: {
		TriggerUploadDone:    StateUploaded,
		TriggerUploadFailed:  StateJoined,
		TriggerSessionClosed: StateSessionClosed,
	},
	StateUploaded: {
		TriggerReupload:      StateReuploading,
		TriggerSessionClosed: StateSessionClosed,
	},
	StateReuploading: {
		TriggerReuploadDone:   StateJoined,
		TriggerReuploadFailed: StateUploaded,
		TriggerSessionClosed:  StateSessionClosed,
	},
}
