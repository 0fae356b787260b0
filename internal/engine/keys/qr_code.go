package keys

import (
	"errors"

	"github.com/skip2/go-qrcode"
)

const (
	DefaultQRSize = 512
	MinQRSize     = 128
	MaxQRSize     = 2048
)

var ErrInvalidQRSize = errors.New("invalid size: must be between 128 and 2048")

// RenderQRCode encodes a license key as a PNG QR code.
func RenderQRCode(key string, size int) ([]byte, error) {
	if size == 0 {
		size = DefaultQRSize
	}
	if size < MinQRSize || size > MaxQRSize {
		return nil, ErrInvalidQRSize
	}

	qr, err := qrcode.New(key, qrcode.Medium)
	if err != nil {
		return nil, err
	}
	return qr.PNG(size)
}
