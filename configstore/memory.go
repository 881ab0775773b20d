package configstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// MemoryTable is an in-process Table. Items pass through the same
// attributevalue marshaling DynamoTable uses, so struct tags behave
// identically in both.
type MemoryTable struct {
	mu    sync.Mutex
	items map[Key]map[string]types.AttributeValue
}

func NewMemoryTable() *MemoryTable {
	return &MemoryTable{items: map[Key]map[string]types.AttributeValue{}}
}

func (t *MemoryTable) Get(_ context.Context, key Key, out any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.items[key]
	if !ok {
		return ErrNotFound
	}
	return attributevalue.UnmarshalMap(item, out)
}

func (t *MemoryTable) Put(_ context.Context, item any) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}
	key, err := keyOf(av)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[key] = av
	return nil
}

func (t *MemoryTable) Query(_ context.Context, q Query, out any) error {
	t.mu.Lock()
	keys := make([]Key, 0)
	for k := range t.items {
		if k.PK == q.PK && strings.HasPrefix(k.SK, q.SKPrefix) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if q.Descending {
			return keys[i].SK > keys[j].SK
		}
		return keys[i].SK < keys[j].SK
	})
	if q.Limit > 0 && int32(len(keys)) > q.Limit {
		keys = keys[:q.Limit]
	}

	items := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		items = append(items, t.items[k])
	}
	t.mu.Unlock()

	return attributevalue.UnmarshalListOfMaps(items, out)
}

func (t *MemoryTable) Update(
	_ context.Context, key Key, attrs map[string]any,
) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.items[key]
	if !ok {
		return ErrNotFound
	}

	updated := make(map[string]types.AttributeValue, len(item)+len(attrs))
	for name, v := range item {
		updated[name] = v
	}
	for name, v := range attrs {
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshaling attribute %s: %w", name, err)
		}
		updated[name] = av
	}
	t.items[key] = updated
	return nil
}

// Len reports the number of stored items.
func (t *MemoryTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func keyOf(item map[string]types.AttributeValue) (Key, error) {
	pk, pkOk := item["pk"].(*types.AttributeValueMemberS)
	sk, skOk := item["sk"].(*types.AttributeValueMemberS)
	if !pkOk || !skOk {
		return Key{}, errors.New("item missing string pk or sk attribute")
	}
	return Key{PK: pk.Value, SK: sk.Value}, nil
}
