package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FrameType identifies websocket frame variants on the relay channel.
type FrameType string

const (
	FrameEmit  FrameType = "emit"
	FrameAck   FrameType = "ack"
	FrameEvent FrameType = "event"
)

// Client -> hub event names.
const (
	EventRegister             = "register"
	EventMobileConnected      = "mobile_connected"
	EventSendMessageToSession = "send_message_to_session"
	EventRemoveFilePreview    = "remove_file_preview"
	EventSessionClosed        = "session_closed"
)

// Hub -> client event names. Pairing, remove-preview and session-closed keep
// the name they were sent with.
const (
	EventConnected   = "connected"
	EventFileMessage = "file_message"
)

const MessageTypeFile = "file"

var (
	ErrUnsupportedEvent = errors.New("unsupported event")
	ErrInvalidPayload   = errors.New("invalid payload")
)

// Frame is the single envelope exchanged over the relay websocket.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type Connected struct {
	SessionID string `json:"session_id"`
}

type Register struct {
	SessionID string `json:"session_id"`
}

// MobileConnected is the pairing announcement.
type MobileConnected struct {
	HomeSessionID   string `json:"homeSessionId"`
	MobileSessionID string `json:"mobileSessionId"`
}

type SendMessageToSession struct {
	SessionID    string `json:"session_id"`
	Message      string `json:"message"`
	Type         string `json:"type"`
	FileType     string `json:"file_type,omitempty"`
	UploadedFrom string `json:"uploaded_from"`
}

// FileMessage is what the addressed session receives for a SendMessageToSession.
type FileMessage struct {
	Type         string `json:"type"`
	URL          string `json:"url"`
	SessionID    string `json:"session_id"`
	UploadedFrom string `json:"uploaded_from"`
	FileType     string `json:"file_type,omitempty"`
}

type RemoveFilePreview struct {
	SessionID     string `json:"session_id"`
	RemovePreview bool   `json:"remove_preview"`
}

type SessionClosed struct {
	SessionID       string `json:"sessionId"`
	MobileSessionID string `json:"mobileSessionId"`
}

// NewFrame marshals payload into a frame.
func NewFrame(t FrameType, id, event string, payload any) (Frame, error) {
	f := Frame{Type: t, ID: id, Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// ParseFrame decodes a raw websocket message into a Frame.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}
	switch f.Type {
	case FrameEmit:
		if strings.TrimSpace(f.ID) == "" || strings.TrimSpace(f.Event) == "" {
			return Frame{}, errors.New("invalid frame: emit requires id and event")
		}
	case FrameAck:
		if strings.TrimSpace(f.ID) == "" {
			return Frame{}, errors.New("invalid frame: ack requires id")
		}
	case FrameEvent:
		if strings.TrimSpace(f.Event) == "" {
			return Frame{}, errors.New("invalid frame: event requires name")
		}
	default:
		return Frame{}, fmt.Errorf("invalid frame type %q", f.Type)
	}
	return f, nil
}

// ParseClientEvent decodes the payload of an emit frame into its fixed schema.
func ParseClientEvent(event string, raw json.RawMessage) (any, error) {
	switch event {
	case EventRegister:
		var msg Register
		if err := decodePayload(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, invalid(event, "session_id")
		}
		return msg, nil
	case EventMobileConnected:
		return ParseMobileConnected(raw)
	case EventSendMessageToSession:
		var msg SendMessageToSession
		if err := decodePayload(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Message == "" {
			return nil, invalid(event, "session_id and message")
		}
		if msg.Type != MessageTypeFile {
			return nil, fmt.Errorf("%w: %s type %q", ErrInvalidPayload, event, msg.Type)
		}
		if msg.UploadedFrom == "" {
			return nil, invalid(event, "uploaded_from")
		}
		return msg, nil
	case EventRemoveFilePreview:
		return ParseRemoveFilePreview(raw)
	case EventSessionClosed:
		return ParseSessionClosed(raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, event)
	}
}

func ParseConnected(raw json.RawMessage) (Connected, error) {
	var msg Connected
	if err := decodePayload(raw, &msg); err != nil {
		return Connected{}, err
	}
	if msg.SessionID == "" {
		return Connected{}, invalid(EventConnected, "session_id")
	}
	return msg, nil
}

func ParseMobileConnected(raw json.RawMessage) (MobileConnected, error) {
	var msg MobileConnected
	if err := decodePayload(raw, &msg); err != nil {
		return MobileConnected{}, err
	}
	if msg.HomeSessionID == "" || msg.MobileSessionID == "" {
		return MobileConnected{}, invalid(EventMobileConnected, "homeSessionId and mobileSessionId")
	}
	return msg, nil
}

func ParseFileMessage(raw json.RawMessage) (FileMessage, error) {
	var msg FileMessage
	if err := decodePayload(raw, &msg); err != nil {
		return FileMessage{}, err
	}
	if msg.Type != MessageTypeFile {
		return FileMessage{}, fmt.Errorf("%w: %s type %q", ErrInvalidPayload, EventFileMessage, msg.Type)
	}
	if msg.URL == "" || msg.SessionID == "" || msg.UploadedFrom == "" {
		return FileMessage{}, invalid(EventFileMessage, "url, session_id and uploaded_from")
	}
	return msg, nil
}

func ParseRemoveFilePreview(raw json.RawMessage) (RemoveFilePreview, error) {
	var msg RemoveFilePreview
	if err := decodePayload(raw, &msg); err != nil {
		return RemoveFilePreview{}, err
	}
	if msg.SessionID == "" || !msg.RemovePreview {
		return RemoveFilePreview{}, invalid(EventRemoveFilePreview, "session_id and remove_preview=true")
	}
	return msg, nil
}

func ParseSessionClosed(raw json.RawMessage) (SessionClosed, error) {
	var msg SessionClosed
	if err := decodePayload(raw, &msg); err != nil {
		return SessionClosed{}, err
	}
	if msg.SessionID == "" || msg.MobileSessionID == "" {
		return SessionClosed{}, invalid(EventSessionClosed, "sessionId and mobileSessionId")
	}
	return msg, nil
}

func ParseAck(raw json.RawMessage) (Ack, error) {
	var ack Ack
	if err := decodePayload(raw, &ack); err != nil {
		return Ack{}, err
	}
	return ack, nil
}

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func invalid(event, fields string) error {
	return fmt.Errorf("%w: %s requires %s", ErrInvalidPayload, event, fields)
}
