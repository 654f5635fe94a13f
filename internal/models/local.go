package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrUnknownCollection = errors.New("unknown collection")

type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusSyncing is transient; it never survives a restart
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

const (
	CollectionProducts  = "products"
	CollectionSuppliers = "suppliers"
	CollectionEmployees = "employees"
	CollectionLogs      = "logs"
	CollectionImages    = "images"
)

// TableRegistry whitelists the local collections and maps each to the natural key
// used for remote upserts
var TableRegistry = map[string]string{
	CollectionProducts:  "barcode",
	CollectionSuppliers: "name",
	CollectionEmployees: "login",
	CollectionLogs:      "id",
	CollectionImages:    "id",
}

// SyncOrder is the order in which the orchestrator sweeps collections.
// Images go last so product and supplier rows exist before photos reference them.
var SyncOrder = []string{
	CollectionSuppliers,
	CollectionEmployees,
	CollectionProducts,
	CollectionLogs,
	CollectionImages,
}

func ValidateCollection(name string) error {
	if _, ok := TableRegistry[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return nil
}

// LocalEntry is a locally cached domain entity awaiting (or done with) remote sync
type LocalEntry struct {
	Collection      string          `json:"collection"`
	ID              string          `json:"id"`
	Data            json.RawMessage `json:"data"`
	SyncStatus      SyncStatus      `json:"sync_status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	LastSyncAttempt *time.Time      `json:"last_sync_attempt,omitempty"`
	SyncError       string          `json:"sync_error,omitempty"`
}

// Fields decodes Data as a flat JSON object
func (e LocalEntry) Fields() (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(e.Data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}
