// Package qr renders the pairing code a companion scans to join a session.
package qr

import (
	"fmt"
	"net/url"

	qrcode "github.com/skip2/go-qrcode"
)

const defaultSize = 256

// Encoder builds pairing images pointing at the companion capture page.
type Encoder struct {
	companionURL string
	size         int
}

func NewEncoder(companionURL string, size int) (*Encoder, error) {
	u, err := url.Parse(companionURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid companion url %q", companionURL)
	}
	if size <= 0 {
		size = defaultSize
	}
	return &Encoder{companionURL: companionURL, size: size}, nil
}

// Link is the url encoded in the pairing image for sessionID.
func (e *Encoder) Link(sessionID string) string {
	u, _ := url.Parse(e.companionURL)
	q := u.Query()
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

// PNG renders the pairing image for sessionID.
func (e *Encoder) PNG(sessionID string) ([]byte, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("empty session id")
	}
	png, err := qrcode.Encode(e.Link(sessionID), qrcode.Medium, e.size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}
