package pricecache

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/Guizzs26/go-pos-sync/internal/models"
	"github.com/Guizzs26/go-pos-sync/pkg/encoding"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// headerLines are skipped at the top of every price list
const headerLines = 3

// Positional columns of a price list row
const (
	colCode = iota
	colCategory
	colName
	colUnit
	colQuantity
	colPurchasePrice
	minColumns
)

// Fetcher retrieves the raw bytes of a bulk reference source
type Fetcher interface {
	Fetch(ctx context.Context, src string) ([]byte, error)
}

// SourceFetcher reads http(s) URLs with its client and anything else from disk
type SourceFetcher struct {
	Client *http.Client
}

func NewSourceFetcher() *SourceFetcher {
	return &SourceFetcher{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *SourceFetcher) Fetch(ctx context.Context, src string) ([]byte, error) {
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		return os.ReadFile(src)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Parse turns a source into entries: .xlsx workbooks through excelize, anything else as
// delimited text decoded from charset
func Parse(src string, data []byte, charset string) ([]models.PriceReferenceEntry, error) {
	name := src
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if strings.EqualFold(path.Ext(name), ".xlsx") {
		return parseWorkbook(src, data)
	}
	return parseText(src, data, charset)
}

func parseText(src string, data []byte, charset string) ([]models.PriceReferenceEntry, error) {
	text, err := encoding.Decode(data, charset)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if len(lines) <= headerLines {
		return nil, nil
	}
	body := strings.Join(lines[headerLines:], "\n")

	r := csv.NewReader(strings.NewReader(body))
	r.Comma = detectDelimiter(body)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("malformed delimited text: %w", err)
	}
	return toEntries(src, records), nil
}

func parseWorkbook(src string, data []byte) ([]models.PriceReferenceEntry, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	if len(rows) <= headerLines {
		return nil, nil
	}
	return toEntries(src, rows[headerLines:]), nil
}

func toEntries(src string, rows [][]string) []models.PriceReferenceEntry {
	entries := make([]models.PriceReferenceEntry, 0, len(rows))
	for _, row := range rows {
		if len(row) < minColumns {
			continue
		}
		code := strings.TrimSpace(row[colCode])
		if code == "" {
			continue
		}
		entries = append(entries, models.PriceReferenceEntry{
			Code:          code,
			Category:      strings.TrimSpace(row[colCategory]),
			Name:          strings.TrimSpace(row[colName]),
			Unit:          strings.TrimSpace(row[colUnit]),
			Quantity:      int(parseNumber(row[colQuantity]).IntPart()),
			PurchasePrice: parseNumber(row[colPurchasePrice]),
			Source:        src,
		})
	}
	return entries
}

// parseNumber accepts "1 200,50", "1200.50" and friends; garbage reads as zero
func parseNumber(s string) decimal.Decimal {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\t':
			return -1
		case ',':
			return '.'
		}
		return r
	}, s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func detectDelimiter(body string) rune {
	first := body
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		first = body[:i]
	}
	switch {
	case strings.Contains(first, "\t"):
		return '\t'
	case strings.Contains(first, ";"):
		return ';'
	default:
		return ','
	}
}
