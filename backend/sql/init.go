package sql

import (
	"context"
	"errors"

	"github.com/uptrace/bun"
)

func createTables(ctx context.Context, db bun.IDB) error {
	for _, model := range []any{(*workflowModel)(nil), (*taskModel)(nil), (*queueEntryModel)(nil)} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func createIndexes(ctx context.Context, db bun.IDB) error {
	steps := []func() error{
		func() error {
			_, err := db.NewCreateIndex().Model((*taskModel)(nil)).
				Index("idx_tasks_workflow_status").Column("workflow_id", "status").
				IfNotExists().Exec(ctx)
			return err
		},
		func() error {
			_, err := db.NewCreateIndex().Model((*queueEntryModel)(nil)).
				Index("idx_queue_priority_seq").Column("priority_rank", "enqueue_seq").
				IfNotExists().Exec(ctx)
			return err
		},
		func() error {
			_, err := db.NewCreateIndex().Model((*queueEntryModel)(nil)).
				Index("idx_queue_inflight_locked").Column("in_flight", "locked_until").
				IfNotExists().Exec(ctx)
			return err
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func initDB(ctx context.Context, db *bun.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := createTables(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createIndexes(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}

// InitDB initializes the schema required by the SQL backend: the
// workflows, tasks and queue_entries tables and their indexes, inside
// a single transaction. It is idempotent and may be called repeatedly.
func InitDB(ctx context.Context, db *bun.DB) error {
	return initDB(ctx, db)
}

// MustInitDB behaves like InitDB but panics on failure, for use in
// application bootstrap code where schema initialization failure is
// unrecoverable.
func MustInitDB(ctx context.Context, db *bun.DB) {
	if err := initDB(ctx, db); err != nil {
		panic(err)
	}
}
