package models

import "time"

// Record carries the fields every synced entity has. Typed entities embed it.
type Record struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Meta gives repositories access to the embedded record fields.
func (r *Record) Meta() *Record {
	return r
}
