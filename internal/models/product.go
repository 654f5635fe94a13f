package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Product is the payload of a capture: what a scan or a form submit produced
type Product struct {
	Barcode       string          `json:"barcode"`
	Name          string          `json:"name"`
	Category      string          `json:"category,omitempty"`
	Unit          string          `json:"unit,omitempty"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	SalePrice     decimal.Decimal `json:"sale_price"`
	Quantity      int             `json:"quantity"`
	PhotoURLs     []string        `json:"photo_urls,omitempty"`
	SupplierID    string          `json:"supplier_id,omitempty"`
	CreatedBy     string          `json:"created_by,omitempty"`
}

// HasPrice reports whether the product can be committed to the primary store directly:
// both prices are positive and a name is present
func (p Product) HasPrice() bool {
	return p.PurchasePrice.IsPositive() &&
		p.SalePrice.IsPositive() &&
		strings.TrimSpace(p.Name) != ""
}

// Row flattens the product into column/value pairs for generic SQL adapters
func (p Product) Row() map[string]any {
	row := map[string]any{
		"barcode":        p.Barcode,
		"name":           p.Name,
		"category":       p.Category,
		"unit":           p.Unit,
		"purchase_price": p.PurchasePrice.String(),
		"sale_price":     p.SalePrice.String(),
		"quantity":       p.Quantity,
		"photo_urls":     strings.Join(p.PhotoURLs, ","),
		"created_by":     p.CreatedBy,
	}
	if p.SupplierID != "" {
		row["supplier_id"] = p.SupplierID
	}
	return row
}
