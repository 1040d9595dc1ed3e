package storage

import "context"

// Prefixed оборачивает слот, добавляя префикс к ключам. Так primary и backup
// могут жить в одном каталоге/пространстве ключей: "user" и "backup_user".
type Prefixed struct {
	Slot   Slot
	Prefix string
}

func (p Prefixed) Get(ctx context.Context, key string) (string, error) {
	return p.Slot.Get(ctx, p.Prefix+key)
}

func (p Prefixed) Set(ctx context.Context, key, value string) error {
	return p.Slot.Set(ctx, p.Prefix+key, value)
}

func (p Prefixed) Delete(ctx context.Context, key string) error {
	return p.Slot.Delete(ctx, p.Prefix+key)
}

func (p Prefixed) Close() error { return p.Slot.Close() }
