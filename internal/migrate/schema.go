// Package migrate holds the relational schema owned by the offline store.
// The layout mirrors ent's generated migrate package so the same Atlas-backed
// migration engine serves SQLite, PostgreSQL and MySQL.
package migrate

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

// Column names shared with the query side.
const (
	CacheTable          = "api_cache"
	CacheFieldID        = "id"
	CacheFieldEndpoint  = "endpoint"
	CacheFieldData      = "data"
	CacheFieldTimestamp = "timestamp"

	QueueTable          = "action_queue"
	QueueFieldID        = "id"
	QueueFieldMethod    = "method"
	QueueFieldEndpoint  = "endpoint"
	QueueFieldPayload   = "payload"
	QueueFieldCreatedAt = "created_at"
	QueueFieldStatus    = "status"
)

var (
	// APICacheColumns holds the columns for the "api_cache" table.
	APICacheColumns = []*schema.Column{
		{Name: CacheFieldID, Type: field.TypeInt64, Increment: true},
		{Name: CacheFieldEndpoint, Type: field.TypeString, Unique: true},
		{Name: CacheFieldData, Type: field.TypeString, Size: 2147483647},
		{Name: CacheFieldTimestamp, Type: field.TypeInt64},
	}
	// APICacheTable holds the schema information for the "api_cache" table.
	APICacheTable = &schema.Table{
		Name:       CacheTable,
		Columns:    APICacheColumns,
		PrimaryKey: []*schema.Column{APICacheColumns[0]},
	}
	// ActionQueueColumns holds the columns for the "action_queue" table.
	ActionQueueColumns = []*schema.Column{
		{Name: QueueFieldID, Type: field.TypeInt64, Increment: true},
		{Name: QueueFieldMethod, Type: field.TypeString, Size: 16},
		{Name: QueueFieldEndpoint, Type: field.TypeString},
		{Name: QueueFieldPayload, Type: field.TypeString, Nullable: true, Size: 2147483647},
		{Name: QueueFieldCreatedAt, Type: field.TypeInt64},
		{Name: QueueFieldStatus, Type: field.TypeString, Size: 16, Default: "pending"},
	}
	// ActionQueueTable holds the schema information for the "action_queue" table.
	ActionQueueTable = &schema.Table{
		Name:       QueueTable,
		Columns:    ActionQueueColumns,
		PrimaryKey: []*schema.Column{ActionQueueColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "actionqueue_status",
				Unique:  false,
				Columns: []*schema.Column{ActionQueueColumns[5]},
			},
		},
	}
	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		APICacheTable,
		ActionQueueTable,
	}
)

// Create creates or updates all schema resources. Existing rows are never dropped.
func Create(ctx context.Context, drv dialect.Driver, opts ...schema.MigrateOption) error {
	m, err := schema.NewMigrate(drv, opts...)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return m.Create(ctx, Tables...)
}
