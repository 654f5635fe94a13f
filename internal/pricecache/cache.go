// Package pricecache resolves barcode-only captures into fillable products from bulk
// price lists, without a network round-trip per scan.
package pricecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Guizzs26/go-pos-sync/internal/models"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
)

// markup is the fixed 30% sale price policy applied when only the purchase price is known
var markup = decimal.New(13, -1)

// suffixLengths are tried in order for truncated or partial scans
var suffixLengths = []int{6, 5, 4}

// Cache is an in-memory index over price reference entries, built once
type Cache struct {
	fetcher Fetcher
	charset string
	logger  *slog.Logger

	loadMu sync.Mutex

	mu       sync.RWMutex
	entries  []models.PriceReferenceEntry
	names    []string
	byCode   map[string]int
	bySuffix map[int]map[string]int
	byName   map[string]int
}

func New(fetcher Fetcher, charset string, logger *slog.Logger) *Cache {
	return &Cache{
		fetcher:  fetcher,
		charset:  charset,
		logger:   logger,
		byCode:   make(map[string]int),
		bySuffix: make(map[int]map[string]int),
		byName:   make(map[string]int),
	}
}

// Load fetches and indexes every source in order. It is a no-op once the cache holds
// entries. A failing source is skipped; its error is joined into the result
func (c *Cache) Load(ctx context.Context, sources ...string) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	if c.Len() > 0 {
		return nil
	}

	var errs []error
	for _, src := range sources {
		data, err := c.fetcher.Fetch(ctx, src)
		if err != nil {
			c.logger.Warn("Price source unavailable, skipping", "source", src, "error", err)
			errs = append(errs, fmt.Errorf("fetch %s: %w", src, err))
			continue
		}

		entries, err := Parse(src, data, c.charset)
		if err != nil {
			c.logger.Warn("Price source unreadable, skipping", "source", src, "error", err)
			errs = append(errs, fmt.Errorf("parse %s: %w", src, err))
			continue
		}

		c.Add(entries...)
		c.logger.Info("Price source loaded", "source", src, "entries", len(entries))
	}

	return errors.Join(errs...)
}

// Add indexes entries after the existing ones. Earlier entries win every lookup tie
func (c *Cache) Add(entries ...models.PriceReferenceEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range entries {
		code := strings.TrimSpace(e.Code)
		if code == "" {
			continue
		}
		e.Code = code
		idx := len(c.entries)
		c.entries = append(c.entries, e)

		name := normalizeName(e.Name)
		c.names = append(c.names, name)

		if _, ok := c.byCode[code]; !ok {
			c.byCode[code] = idx
		}
		for _, n := range suffixLengths {
			if len(code) < n {
				continue
			}
			if c.bySuffix[n] == nil {
				c.bySuffix[n] = make(map[string]int)
			}
			suffix := code[len(code)-n:]
			if _, ok := c.bySuffix[n][suffix]; !ok {
				c.bySuffix[n][suffix] = idx
			}
		}
		if name != "" {
			if _, ok := c.byName[name]; !ok {
				c.byName[name] = idx
			}
		}
	}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// FindByBarcode tries an exact match, then matches the last 6, 5 and 4 digits of
// code against the end of the stored codes
func (c *Cache) FindByBarcode(code string) (models.PriceReferenceEntry, bool) {
	code = strings.TrimSpace(code)
	if code == "" {
		return models.PriceReferenceEntry{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if idx, ok := c.byCode[code]; ok {
		return c.entries[idx], true
	}

	for _, n := range suffixLengths {
		if len(code) < n {
			continue
		}
		if idx, ok := c.bySuffix[n][code[len(code)-n:]]; ok {
			return c.entries[idx], true
		}
	}

	return models.PriceReferenceEntry{}, false
}

// FindByName matches the normalized name exactly, then by substring in either direction
func (c *Cache) FindByName(name string) (models.PriceReferenceEntry, bool) {
	q := normalizeName(name)
	if q == "" {
		return models.PriceReferenceEntry{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if idx, ok := c.byName[q]; ok {
		return c.entries[idx], true
	}

	for i, n := range c.names {
		if n == "" {
			continue
		}
		if strings.Contains(n, q) || strings.Contains(q, n) {
			return c.entries[i], true
		}
	}

	return models.PriceReferenceEntry{}, false
}

// Enrich fills the gaps of a capture from the reference data.
// Explicit nonzero values always win over cached ones
func (c *Cache) Enrich(p models.Product) models.Product {
	ref, ok := c.FindByBarcode(p.Barcode)
	if !ok && strings.TrimSpace(p.Name) != "" {
		ref, ok = c.FindByName(p.Name)
	}

	if ok {
		if strings.TrimSpace(p.Name) == "" {
			p.Name = ref.Name
		}
		if p.Category == "" {
			p.Category = ref.Category
		}
		if p.Unit == "" {
			p.Unit = ref.Unit
		}
		if !p.PurchasePrice.IsPositive() && ref.PurchasePrice.IsPositive() {
			p.PurchasePrice = ref.PurchasePrice
		}
		if p.Quantity <= 0 && ref.Quantity > 0 {
			p.Quantity = ref.Quantity
		}
	}

	if !p.SalePrice.IsPositive() && p.PurchasePrice.IsPositive() {
		p.SalePrice = SalePrice(p.PurchasePrice)
	}

	return p
}

// SalePrice applies the fixed markup: round(purchase * 1.3)
func SalePrice(purchase decimal.Decimal) decimal.Decimal {
	return purchase.Mul(markup).Round(0)
}

// normalizeName case-folds and collapses whitespace. A Caser is stateful, so each call gets its own
func normalizeName(s string) string {
	return strings.Join(strings.Fields(cases.Fold().String(s)), " ")
}
