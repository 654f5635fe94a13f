package models

import "time"

// PendingEntry is what lands in the human-review holding queue
type PendingEntry struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	Product   Product   `json:"product"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// Label is a shelf label print job for a freshly minted barcode
type Label struct {
	Barcode   string `json:"barcode"`
	Name      string `json:"name"`
	SalePrice string `json:"sale_price"`
	Unit      string `json:"unit,omitempty"`
}
