package service

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
)

// MaxImageSide bounds the longest side of an uploaded photo, in pixels
const MaxImageSide = 1280

var ErrNotImage = errors.New("payload is not a supported image")

// decodeDataURL extracts the bytes of a base64 "data:" URL. ok is false for any other string
func decodeDataURL(s string) (data []byte, ok bool, err error) {
	if !strings.HasPrefix(s, "data:") {
		return nil, false, nil
	}
	meta, payload, found := strings.Cut(s, ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return nil, true, fmt.Errorf("unsupported data url encoding")
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, true, fmt.Errorf("invalid base64 image: %w", err)
	}
	return data, true, nil
}

// prepareImage sniffs the real content type and downscales oversized photos.
// Small JPEG and PNG files are passed through untouched
func prepareImage(raw []byte) ([]byte, string, error) {
	mt := mimetype.Detect(raw)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, "", fmt.Errorf("%w: %s", ErrNotImage, mt.String())
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	b := img.Bounds()
	small := b.Dx() <= MaxImageSide && b.Dy() <= MaxImageSide
	if small && (mt.Is("image/jpeg") || mt.Is("image/png")) {
		return raw, mt.String(), nil
	}
	if !small {
		img = imaging.Fit(img, MaxImageSide, MaxImageSide, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if mt.Is("image/png") {
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, "", fmt.Errorf("failed to encode png: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	}
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, "", fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
