package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/hashledger/internal/common"
	"github.com/dmitrijs2005/hashledger/internal/dbx"
	"github.com/dmitrijs2005/hashledger/internal/migrations"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresStore keeps one collection of the documents table.
type PostgresStore struct {
	db         *sql.DB
	collection string
}

// NewPostgresStore binds a store to collection inside db.
func NewPostgresStore(db *sql.DB, collection string) *PostgresStore {
	return &PostgresStore{db: db, collection: collection}
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Add(ctx context.Context, pk, id string, body []byte) (*Document, error) {
	op := CreateOp(id, body)
	if err := validateBatch([]Operation{op}); err != nil {
		return nil, unwrapSingle(err)
	}
	return s.apply(ctx, s.db, pk, op)
}

func (s *PostgresStore) Get(ctx context.Context, pk, id string) (*Document, error) {
	query := `SELECT body, etag FROM documents WHERE collection=$1 AND partition_key=$2 AND id=$3`

	var body []byte
	doc := &Document{ID: id, PartitionKey: pk}
	err := s.db.QueryRowContext(ctx, query, s.collection, pk, id).Scan(&body, &doc.ETag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select document: %w", common.ErrTransport, err)
	}
	doc.Body = body
	return doc, nil
}

func (s *PostgresStore) Replace(ctx context.Context, pk, id string, body []byte, ifMatch string) (*Document, error) {
	op := ReplaceOp(id, body, ifMatch)
	if err := validateBatch([]Operation{op}); err != nil {
		return nil, unwrapSingle(err)
	}
	return s.apply(ctx, s.db, pk, op)
}

func (s *PostgresStore) Delete(ctx context.Context, pk, id string) error {
	op := DeleteOp(id)
	if err := validateBatch([]Operation{op}); err != nil {
		return unwrapSingle(err)
	}
	_, err := s.apply(ctx, s.db, pk, op)
	return err
}

func (s *PostgresStore) ExecuteBatch(ctx context.Context, pk string, ops []Operation) ([]OperationResult, error) {
	if err := validateBatch(ops); err != nil {
		return nil, err
	}

	var results []OperationResult
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		results = make([]OperationResult, 0, len(ops))
		for i, op := range ops {
			doc, err := s.apply(ctx, tx, pk, op)
			if err != nil {
				return &BatchError{Index: i, Op: op, Err: err}
			}
			results = append(results, OperationResult{ID: op.ID, ETag: doc.ETag})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// apply runs one operation. Deletes return a document without body or etag.
func (s *PostgresStore) apply(ctx context.Context, db dbx.DBTX, pk string, op Operation) (*Document, error) {
	switch op.Kind {
	case OpCreate:
		body, err := stampBody(op.Body, pk, op.ID)
		if err != nil {
			return nil, err
		}
		etag := uuid.NewString()
		query := `INSERT INTO documents (collection, partition_key, id, body, etag) VALUES ($1, $2, $3, $4, $5)`
		if _, err := db.ExecContext(ctx, query, s.collection, pk, op.ID, string(body), etag); err != nil {
			if dbx.IsUniqueViolation(err) {
				return nil, common.ErrConflict
			}
			return nil, fmt.Errorf("%w: insert document: %w", common.ErrTransport, err)
		}
		return &Document{ID: op.ID, PartitionKey: pk, Body: body, ETag: etag}, nil

	case OpReplace:
		body, err := stampBody(op.Body, pk, op.ID)
		if err != nil {
			return nil, err
		}
		etag := uuid.NewString()
		query := `UPDATE documents SET body=$4, etag=$5, updated_at=now()
			WHERE collection=$1 AND partition_key=$2 AND id=$3 AND ($6 = '' OR etag=$6)`
		res, err := db.ExecContext(ctx, query, s.collection, pk, op.ID, string(body), etag, op.IfMatch)
		if err != nil {
			return nil, fmt.Errorf("%w: update document: %w", common.ErrTransport, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("%w: rows affected: %w", common.ErrTransport, err)
		}
		if n == 0 {
			return nil, s.missOrStale(ctx, db, pk, op)
		}
		return &Document{ID: op.ID, PartitionKey: pk, Body: body, ETag: etag}, nil

	case OpDelete:
		query := `DELETE FROM documents WHERE collection=$1 AND partition_key=$2 AND id=$3`
		res, err := db.ExecContext(ctx, query, s.collection, pk, op.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: delete document: %w", common.ErrTransport, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("%w: rows affected: %w", common.ErrTransport, err)
		}
		if n == 0 {
			return nil, common.ErrorNotFound
		}
		return &Document{ID: op.ID, PartitionKey: pk}, nil
	}
	return nil, fmt.Errorf("%w: unknown operation", common.ErrorValidation)
}

// missOrStale explains a replace that touched no rows.
func (s *PostgresStore) missOrStale(ctx context.Context, db dbx.DBTX, pk string, op Operation) error {
	if op.IfMatch == "" {
		return common.ErrorNotFound
	}
	query := `SELECT 1 FROM documents WHERE collection=$1 AND partition_key=$2 AND id=$3`
	var one int
	err := db.QueryRowContext(ctx, query, s.collection, pk, op.ID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return common.ErrorNotFound
	case err != nil:
		return fmt.Errorf("%w: select document: %w", common.ErrTransport, err)
	}
	return common.ErrPreconditionFailed
}

func (s *PostgresStore) QueryPage(ctx context.Context, pk string, q Query) ([]json.RawMessage, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	query, args, err := s.buildQuery(pk, q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query documents: %w", common.ErrTransport, err)
	}
	defer rows.Close()

	out := []json.RawMessage{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%w: scan document: %w", common.ErrTransport, err)
		}
		item, err := project(body, q.Fields)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query documents: %w", common.ErrTransport, err)
	}
	return out, nil
}

func (s *PostgresStore) buildQuery(pk string, q Query) (string, []any, error) {
	var b strings.Builder
	args := []any{s.collection, pk}

	b.WriteString(`SELECT body FROM documents WHERE collection=$1 AND partition_key=$2`)
	if q.Filter != nil {
		value, err := json.Marshal(q.Filter.Value)
		if err != nil {
			return "", nil, fmt.Errorf("encode filter value: %w", err)
		}
		args = append(args, q.Filter.Field, string(value))
		fmt.Fprintf(&b, ` AND body->$%d = $%d::jsonb`, len(args)-1, len(args))
	}
	b.WriteString(` ORDER BY id`)

	args = append(args, q.Skip)
	fmt.Fprintf(&b, ` OFFSET $%d`, len(args))
	if q.Take > 0 {
		args = append(args, q.Take)
		fmt.Fprintf(&b, ` LIMIT $%d`, len(args))
	}
	return b.String(), args, nil
}
