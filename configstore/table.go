package configstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no item exists at the requested key.
var ErrNotFound = errors.New("item not found")

// Key is the two-part (partition, sort) key every item in the routing table
// carries.
type Key struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
}

// Query selects items sharing a partition key, optionally narrowed by a sort
// key prefix. Limit <= 0 means no limit.
type Query struct {
	PK         string
	SKPrefix   string
	Limit      int32
	Descending bool
}

// Table is the key-value view of the routing table. Items are Go structs
// carrying `dynamodbav` tags and must include the pk and sk attributes.
type Table interface {
	// Get unmarshals the item at key into out, or returns ErrNotFound.
	Get(ctx context.Context, key Key, out any) error

	// Put writes item, replacing any item with the same key.
	Put(ctx context.Context, item any) error

	// Query unmarshals matching items into out, which must point to a slice,
	// ordered by sort key.
	Query(ctx context.Context, q Query, out any) error

	// Update sets attrs on an existing item, or returns ErrNotFound.
	Update(ctx context.Context, key Key, attrs map[string]any) error
}
