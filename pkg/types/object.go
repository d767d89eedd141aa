package types

import "time"

// StoredObject is a worker-local, optionally reference-counted blob.
type StoredObject struct {
	Key         string    `json:"key"`
	Bytes       []byte    `json:"bytes,omitempty"`
	BlobRef     string    `json:"blob_ref,omitempty"`
	RefCount    int       `json:"ref_count"`
	Pinned      bool      `json:"pinned"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
}
