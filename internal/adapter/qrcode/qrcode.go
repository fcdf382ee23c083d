// Package qrcode renders login codes into PNG images.
package qrcode

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"github.com/pscheid92/sessiongate/internal/domain"
	"rsc.io/qr"
)

const defaultScale = 8

// Renderer encodes login codes as PNG QR images with medium error correction.
type Renderer struct {
	scale int
}

var _ domain.QRRenderer = (*Renderer)(nil)

func NewRenderer() *Renderer {
	return &Renderer{scale: defaultScale}
}

func (r *Renderer) Render(code string) ([]byte, error) {
	if code == "" {
		return nil, errors.New("empty login code")
	}

	c, err := qr.Encode(code, qr.M)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}
	c.Scale = r.scale
	return c.PNG(), nil
}

// TerminalEcho prints every rendered code to w as a half-block terminal QR
// code, then delegates. Used in development so a phone can scan straight from
// the server log.
type TerminalEcho struct {
	next domain.QRRenderer
	mu   sync.Mutex
	w    io.Writer
}

var _ domain.QRRenderer = (*TerminalEcho)(nil)

func NewTerminalEcho(next domain.QRRenderer, w io.Writer) *TerminalEcho {
	return &TerminalEcho{next: next, w: w}
}

func (t *TerminalEcho) Render(code string) ([]byte, error) {
	png, err := t.next.Render(code)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	qrterminal.GenerateHalfBlock(code, qrterminal.L, t.w)
	t.mu.Unlock()

	slog.Debug("Login QR code printed to terminal")
	return png, nil
}
