// Package imagecheck はアップロードされた全景画像を検査します。
package imagecheck

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/tiff"
)

var (
	// ErrAspectRatio は幅が高さの2倍でない場合に返されます。
	ErrAspectRatio = errors.New("image aspect ratio must be 2:1")
	// ErrUnreadable は画像として読めない場合に返されます。
	ErrUnreadable = errors.New("unreadable image")
)

// Info は変換に必要な画像情報です。
type Info struct {
	Width    int
	Height   int
	MIMEType string
}

// Validator は正距円筒図法の画像であることを確認します。
type Validator struct{}

// NewValidator は Validator を返します。
func NewValidator() *Validator {
	return &Validator{}
}

// Check はヘッダーだけを読み、幅 == 2 × 高さ であることを確認します。
func (v *Validator) Check(path string) (Info, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	file, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer file.Close()

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		return Info{}, fmt.Errorf("%w (%s): %v", ErrUnreadable, mtype.String(), err)
	}

	info := Info{
		Width:    cfg.Width,
		Height:   cfg.Height,
		MIMEType: mtype.String(),
	}
	if info.Height <= 0 || info.Width != info.Height*2 {
		return info, fmt.Errorf("%w (got %dx%d)", ErrAspectRatio, info.Width, info.Height)
	}
	return info, nil
}

// IsSupportedMIME はアップロードを受け付ける画像形式かどうかを返します。
func IsSupportedMIME(mtype *mimetype.MIME) bool {
	if mtype == nil {
		return false
	}
	return mtype.Is("image/jpeg") || mtype.Is("image/png") || mtype.Is("image/tiff")
}
