// Package barcode mints replacement EAN-13 codes when a captured barcode already
// exists in the primary store.
package barcode

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
)

var ErrInvalidLength = errors.New("ean-13 body must be 12 digits")

// CheckDigit computes the EAN-13 check digit of a 12 digit body
func CheckDigit(body string) (byte, error) {
	if len(body) != 12 {
		return 0, ErrInvalidLength
	}

	sum := 0
	for i := 0; i < 12; i++ {
		c := body[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit %q at position %d", c, i)
		}
		d := int(c - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	return byte('0' + (10-sum%10)%10), nil
}

// Valid reports whether code is a well-formed EAN-13 with a correct check digit
func Valid(code string) bool {
	if len(code) != 13 {
		return false
	}
	want, err := CheckDigit(code[:12])
	if err != nil {
		return false
	}
	return code[12] == want
}

// ExistenceChecker answers whether a barcode is already taken in the primary store
type ExistenceChecker interface {
	BarcodeExists(ctx context.Context, barcode string) (bool, error)
}

// Generator mints codes in the restricted in-store range (prefix 2x), which
// retailers may assign freely
type Generator struct {
	checker     ExistenceChecker
	prefix      string
	maxAttempts int
	rand        func(n int64) int64
}

type GeneratorOption func(*Generator)

// WithPrefix sets the leading digits; it must start with '2' to stay in the in-store range
func WithPrefix(prefix string) GeneratorOption {
	return func(g *Generator) { g.prefix = prefix }
}

// WithRand swaps the random source, mostly for deterministic tests
func WithRand(fn func(n int64) int64) GeneratorOption {
	return func(g *Generator) { g.rand = fn }
}

func NewGenerator(checker ExistenceChecker, opts ...GeneratorOption) *Generator {
	g := &Generator{
		checker:     checker,
		prefix:      "200",
		maxAttempts: 50,
		rand:        rand.Int64N,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns n distinct EAN-13 codes that the checker does not know
func (g *Generator) Generate(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	if !strings.HasPrefix(g.prefix, "2") || len(g.prefix) >= 12 {
		return nil, fmt.Errorf("invalid in-store prefix %q", g.prefix)
	}

	seen := make(map[string]struct{}, n)
	codes := make([]string, 0, n)

	for len(codes) < n {
		code, err := g.next(ctx, seen)
		if err != nil {
			return nil, err
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

func (g *Generator) next(ctx context.Context, seen map[string]struct{}) (string, error) {
	free := 12 - len(g.prefix)
	limit := int64(1)
	for i := 0; i < free; i++ {
		limit *= 10
	}

	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		body := fmt.Sprintf("%s%0*d", g.prefix, free, g.rand(limit))
		check, err := CheckDigit(body)
		if err != nil {
			return "", err
		}
		code := body + string(check)

		if _, dup := seen[code]; dup {
			continue
		}
		if g.checker != nil {
			taken, err := g.checker.BarcodeExists(ctx, code)
			if err != nil {
				return "", fmt.Errorf("barcode availability check failed: %w", err)
			}
			if taken {
				continue
			}
		}
		return code, nil
	}
	return "", fmt.Errorf("no free barcode found after %d attempts", g.maxAttempts)
}
