package encoding

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decode converts raw price list bytes into UTF-8 text.
// Valid UTF-8 input (with or without BOM) passes through untouched; anything else is
// decoded with the named legacy charset (e.g. "windows-1251", "koi8-r", "windows-1252").
func Decode(b []byte, charset string) (string, error) {
	b = bytes.TrimPrefix(b, utf8BOM)
	if utf8.Valid(b) {
		return string(b), nil
	}

	if charset == "" {
		charset = "windows-1252"
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return "", fmt.Errorf("unknown charset %q: %w", charset, err)
	}

	decoded, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s text: %w", charset, err)
	}
	return string(decoded), nil
}
