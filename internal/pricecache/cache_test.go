package pricecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/Guizzs26/go-pos-sync/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
)

type mapFetcher struct {
	files map[string][]byte
	calls int
}

func (f *mapFetcher) Fetch(_ context.Context, src string) ([]byte, error) {
	f.calls++
	data, ok := f.files[src]
	if !ok {
		return nil, errors.New("no such source")
	}
	return data, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const milkList = "PRICE LIST\nSupplier: Dairy\ncode\tcategory\tname\tunit\tqty\tprice\n" +
	"23456\tDairy\tMilk 3.2%\tpcs\t3\t100\n" +
	"4600000000017\tBakery\tRye Bread\tpcs\t10\t45,50\n" +
	"\tBroken\trow without code\tpcs\t1\t1\n"

func TestLoadTextSourceAndLookups(t *testing.T) {
	f := &mapFetcher{files: map[string][]byte{"dairy.txt": []byte(milkList)}}
	c := New(f, "windows-1251", discardLogger())

	require.NoError(t, c.Load(context.Background(), "dairy.txt"))
	assert.Equal(t, 2, c.Len())

	bread, ok := c.FindByBarcode("4600000000017")
	require.True(t, ok)
	assert.Equal(t, "Rye Bread", bread.Name)
	assert.True(t, bread.PurchasePrice.Equal(decimal.RequireFromString("45.5")))
	assert.Equal(t, 10, bread.Quantity)

	milk, ok := c.FindByBarcode("200123456")
	require.True(t, ok, "suffix match on the last 5 digits")
	assert.Equal(t, "23456", milk.Code)

	_, ok = c.FindByBarcode("999")
	assert.False(t, ok)
}

func TestLoadIsIdempotent(t *testing.T) {
	f := &mapFetcher{files: map[string][]byte{"dairy.txt": []byte(milkList)}}
	c := New(f, "", discardLogger())

	require.NoError(t, c.Load(context.Background(), "dairy.txt"))
	require.NoError(t, c.Load(context.Background(), "dairy.txt"))
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, 2, c.Len())
}

func TestLoadSkipsFailingSources(t *testing.T) {
	f := &mapFetcher{files: map[string][]byte{"dairy.txt": []byte(milkList)}}
	c := New(f, "", discardLogger())

	err := c.Load(context.Background(), "missing.txt", "dairy.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.txt")
	assert.Equal(t, 2, c.Len())
}

func TestSuffixTieBreakFollowsInsertionOrder(t *testing.T) {
	c := New(&mapFetcher{}, "", discardLogger())
	c.Add(
		models.PriceReferenceEntry{Code: "111234567", Name: "first"},
		models.PriceReferenceEntry{Code: "999234567", Name: "second"},
	)

	got, ok := c.FindByBarcode("000234567")
	require.True(t, ok)
	assert.Equal(t, "first", got.Name)
}

func TestSuffixPrefersLongestMatch(t *testing.T) {
	c := New(&mapFetcher{}, "", discardLogger())
	c.Add(
		models.PriceReferenceEntry{Code: "77773456", Name: "four digits"},
		models.PriceReferenceEntry{Code: "70123456", Name: "six digits"},
	)

	got, ok := c.FindByBarcode("99123456")
	require.True(t, ok)
	assert.Equal(t, "six digits", got.Name)
}

func TestFindByName(t *testing.T) {
	c := New(&mapFetcher{}, "", discardLogger())
	c.Add(
		models.PriceReferenceEntry{Code: "1", Name: "Молоко  Домик в деревне"},
		models.PriceReferenceEntry{Code: "2", Name: "Sugar"},
	)

	got, ok := c.FindByName("  молоко домик В ДЕРЕВНЕ ")
	require.True(t, ok)
	assert.Equal(t, "1", got.Code)

	got, ok = c.FindByName("sugar white 1kg")
	require.True(t, ok, "stored name contained in the query")
	assert.Equal(t, "2", got.Code)

	got, ok = c.FindByName("домик")
	require.True(t, ok, "query contained in the stored name")
	assert.Equal(t, "1", got.Code)

	_, ok = c.FindByName("   ")
	assert.False(t, ok)
}

func TestSalePriceMarkup(t *testing.T) {
	cases := map[string]string{
		"100":  "130",
		"45.5": "59",
		"1":    "1",
		"5":    "7",
		"77":   "100",
	}
	for purchase, want := range cases {
		got := SalePrice(decimal.RequireFromString(purchase))
		assert.True(t, got.Equal(decimal.RequireFromString(want)), fmt.Sprintf("%s -> %s, got %s", purchase, want, got))
	}
}

func TestEnrichBackfillsBarcodeOnlyScan(t *testing.T) {
	c := New(&mapFetcher{}, "", discardLogger())
	c.Add(models.PriceReferenceEntry{Code: "23456", Name: "Milk", Category: "Dairy", PurchasePrice: decimal.NewFromInt(100), Quantity: 3})

	p := c.Enrich(models.Product{Barcode: "200123456"})

	assert.Equal(t, "Milk", p.Name)
	assert.Equal(t, "Dairy", p.Category)
	assert.True(t, p.PurchasePrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, p.SalePrice.Equal(decimal.NewFromInt(130)))
	assert.Equal(t, 3, p.Quantity)
	assert.True(t, p.HasPrice())
}

func TestEnrichExplicitValuesWin(t *testing.T) {
	c := New(&mapFetcher{}, "", discardLogger())
	c.Add(models.PriceReferenceEntry{Code: "4600000000017", Name: "Bread", PurchasePrice: decimal.NewFromInt(40), Quantity: 9})

	p := c.Enrich(models.Product{
		Barcode:       "4600000000017",
		Name:          "Rye bread",
		PurchasePrice: decimal.NewFromInt(50),
		SalePrice:     decimal.NewFromInt(80),
		Quantity:      2,
	})

	assert.Equal(t, "Rye bread", p.Name)
	assert.True(t, p.PurchasePrice.Equal(decimal.NewFromInt(50)))
	assert.True(t, p.SalePrice.Equal(decimal.NewFromInt(80)))
	assert.Equal(t, 2, p.Quantity)
}

func TestEnrichExplicitZeroIsFilled(t *testing.T) {
	c := New(&mapFetcher{}, "", discardLogger())
	c.Add(models.PriceReferenceEntry{Code: "4600000000017", Name: "Bread", PurchasePrice: decimal.NewFromInt(40)})

	p := c.Enrich(models.Product{Barcode: "4600000000017", PurchasePrice: decimal.Zero})
	assert.True(t, p.PurchasePrice.Equal(decimal.NewFromInt(40)))
	assert.True(t, p.SalePrice.Equal(decimal.NewFromInt(52)))
}

func TestEnrichWithoutReference(t *testing.T) {
	c := New(&mapFetcher{}, "", discardLogger())

	p := c.Enrich(models.Product{Barcode: "123"})
	assert.False(t, p.HasPrice())
	assert.True(t, p.SalePrice.IsZero())
}

func TestParseWindows1251Text(t *testing.T) {
	raw, err := charmap.Windows1251.NewEncoder().Bytes([]byte("h1\nh2\nh3\n777;Бакалея;Сахар;кг;5;1 200,00\n"))
	require.NoError(t, err)

	entries, err := Parse("list.csv", raw, "windows-1251")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Сахар", entries[0].Name)
	assert.Equal(t, "кг", entries[0].Unit)
	assert.True(t, entries[0].PurchasePrice.Equal(decimal.NewFromInt(1200)))
	assert.Equal(t, 5, entries[0].Quantity)
}

func TestParseWorkbook(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	rows := [][]any{
		{"Price list"},
		{"Updated today"},
		{"code", "category", "name", "unit", "qty", "price"},
		{"4601234567890", "Drinks", "Water", "pcs", "12", "25.5"},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	entries, err := Parse("https://example.com/prices.xlsx?token=1", buf.Bytes(), "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Water", entries[0].Name)
	assert.True(t, entries[0].PurchasePrice.Equal(decimal.RequireFromString("25.5")))
	assert.Equal(t, 12, entries[0].Quantity)
}
