// Package repository provides a generic gorm-backed store for simple read
// models that need no locking: lookups by example, paged lists and inserts.
package repository

import (
	"context"

	"github.com/one-covenant/basilica-billing/pkg/db/option"
)

type Repository[T any] interface {
	// Find returns every row matching the non-zero fields of query.
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	// FindOne returns nil without error when nothing matches.
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
}
