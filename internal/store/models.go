package store

import "time"

// ItemStatus is the lifecycle state of an Item.
type ItemStatus string

const (
	ItemReady       ItemStatus = "READY"
	ItemClaimed     ItemStatus = "CLAIMED"
	ItemImported    ItemStatus = "IMPORTED"
	ItemTransferred ItemStatus = "TRANSFERRED"
	ItemArchived    ItemStatus = "ARCHIVED"
	ItemRejected    ItemStatus = "REJECTED"
	ItemMissing     ItemStatus = "MISSING"
)

func (s ItemStatus) String() string { return string(s) }

// Terminal reports whether the item will never move again.
func (s ItemStatus) Terminal() bool {
	return s == ItemArchived || s == ItemRejected || s == ItemMissing
}

// IsValid reports whether s is a known item status.
func (s ItemStatus) IsValid() bool {
	switch s {
	case ItemReady, ItemClaimed, ItemImported, ItemTransferred, ItemArchived, ItemRejected, ItemMissing:
		return true
	}
	return false
}

// BatchStatus is the lifecycle state of a Batch.
type BatchStatus string

const (
	BatchAccumulating BatchStatus = "ACCUMULATING"
	BatchTransferring BatchStatus = "TRANSFERRING"
	BatchTransferred  BatchStatus = "TRANSFERRED"
	BatchConfirmed    BatchStatus = "CONFIRMED"
	BatchFailed       BatchStatus = "FAILED"
)

func (s BatchStatus) String() string { return string(s) }

// IsValid reports whether s is a known batch status.
func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchAccumulating, BatchTransferring, BatchTransferred, BatchConfirmed, BatchFailed:
		return true
	}
	return false
}

// Item is one archival package in flight.
type Item struct {
	ID             int64      `json:"id"`
	DatasetID      string     `json:"dataset_id"`
	DatasetVersion string     `json:"dataset_version"`
	Path           string     `json:"path"`               // current location of the package on disk
	Checksum       string     `json:"checksum,omitempty"` // sha256 hex of the package as registered
	Size           int64      `json:"size"`
	BagID          string     `json:"bag_id,omitempty"`
	NBN            string     `json:"nbn,omitempty"`
	Status         ItemStatus `json:"status"`
	BatchID        string     `json:"batch_id,omitempty"`  // empty until claimed
	ObjectID       string     `json:"object_id,omitempty"` // empty until imported
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Batch is a unit of tape transfer.
type Batch struct {
	ID            string      `json:"id"`
	Status        BatchStatus `json:"status"`
	Attempts      int         `json:"attempts"`
	InProgress    bool        `json:"in_progress"`
	VaultPath     string      `json:"vault_path,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	LastAttemptAt time.Time   `json:"last_attempt_at,omitempty"` // zero if no attempt finished yet
	Parts         []Part      `json:"parts,omitempty"`           // only filled by GetBatch
}

// Part is one physical chunk of a remote package.
type Part struct {
	ID        int64  `json:"id"`
	BatchID   string `json:"batch_id,omitempty"`
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Algorithm string `json:"algorithm"`
	Checksum  string `json:"checksum,omitempty"`
}

// ItemFilter narrows ListItems.
type ItemFilter struct {
	Status  ItemStatus
	BatchID string
	Limit   int
}

// Stats counts items and batches per status.
type Stats struct {
	Items   map[ItemStatus]int  `json:"items"`
	Batches map[BatchStatus]int `json:"batches"`
	// ReadyBytes is the accumulated inbox volume not yet claimed.
	ReadyBytes int64 `json:"ready_bytes"`
}
