package primary

import "github.com/ent0n29/billrelay/internal/handoff"

type State string

const (
	StateClosed         State = "closed"
	StateConnecting     State = "connecting"
	StateRegistered     State = "registered"
	StateAwaitingUpload State = "awaiting_upload"
	StateFileReceived   State = "file_received"
	StateConfirming     State = "confirming"
)

type Trigger string

const (
	TriggerOpen           Trigger = "open"
	TriggerRegistered     Trigger = "registered"
	TriggerQRReady        Trigger = "qr_ready"
	TriggerOpenFailed     Trigger = "open_failed"
	TriggerPaired         Trigger = "paired"
	TriggerFileSelected   Trigger = "file_selected"
	TriggerFileMessage    Trigger = "file_message"
	TriggerUploadFailed   Trigger = "upload_failed"
	TriggerReupload       Trigger = "reupload"
	TriggerRemovePreview  Trigger = "remove_preview"
	TriggerConfirm        Trigger = "confirm"
	TriggerConfirmFailed  Trigger = "confirm_failed"
	TriggerConfirmSuccess Trigger = "confirm_success"
)

// transitions is the declared state table. Cancel/close is valid from every
// state and handled by Machine.Reset.
var transitions = handoff.Table[State, Trigger]{
	StateClosed: {
		TriggerOpen: StateConnecting,
	},
	StateConnecting: {
		TriggerRegistered: StateRegistered,
		TriggerOpenFailed: StateClosed,
	},
	StateRegistered: {
		TriggerQRReady:    StateAwaitingUpload,
		TriggerOpenFailed: StateClosed,
		TriggerPaired:     StateRegistered,
	},
	StateAwaitingUpload: {
		TriggerPaired:       StateAwaitingUpload,
		TriggerFileSelected: StateFileReceived,
		TriggerFileMessage:  StateFileReceived,
	},
	StateFileReceived: {
		TriggerPaired:        StateFileReceived,
		TriggerUploadFailed:  StateAwaitingUpload,
		TriggerReupload:      StateAwaitingUpload,
		TriggerRemovePreview: StateAwaitingUpload,
		TriggerConfirm:       StateConfirming,
	},
	StateConfirming: {
		TriggerPaired:         StateConfirming,
		TriggerConfirmFailed:  StateFileReceived,
		TriggerConfirmSuccess: StateClosed,
	},
}
