package models

import "github.com/shopspring/decimal"

// PriceReferenceEntry is one row of a bulk price list
type PriceReferenceEntry struct {
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	Category      string          `json:"category"`
	Unit          string          `json:"unit"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	Quantity      int             `json:"quantity"`
	Source        string          `json:"source"`
}
