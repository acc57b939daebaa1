// internal/adapter/docstore/postgres.go

package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const uniqueViolation = "23505"

// idField conditions are answered from the primary key column
const idField = "id"

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PostgresContainer stores documents as JSONB rows of a single table. The
// partition key is a plain indexed column; batches run in one transaction.
type PostgresContainer struct {
	db    *pgxpool.Pool
	table string
}

// NewPostgresContainer creates a container backed by the named table
func NewPostgresContainer(db *pgxpool.Pool, table string) (*PostgresContainer, error) {
	if !fieldPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid container name %q", table)
	}

	return &PostgresContainer{
		db:    db,
		table: pgx.Identifier{table}.Sanitize(),
	}, nil
}

// EnsureSchema creates the backing table and its indexes if missing
func (c *PostgresContainer) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id            TEXT PRIMARY KEY,
				partition_key TEXT NOT NULL,
				body          JSONB NOT NULL,
				created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, c.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (partition_key)`,
			pgx.Identifier{strings.Trim(c.table, `"`) + "_partition_key_idx"}.Sanitize(), c.table),
	}

	for _, stmt := range statements {
		if _, err := c.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("error creating schema: %w", err)
		}
	}

	return nil
}

// CreateItem inserts a single document
func (c *PostgresContainer) CreateItem(ctx context.Context, item Item) (Item, error) {
	_, err := c.db.Exec(ctx, c.insertSQL(), item.ID, item.PartitionKey, string(item.Body))
	if err != nil {
		if isUniqueViolation(err) {
			return Item{}, fmt.Errorf("%w: %s", ErrConflict, item.ID)
		}
		return Item{}, fmt.Errorf("error inserting document: %w", err)
	}

	return item, nil
}

// CreateBatch starts a transactional batch for one partition
func (c *PostgresContainer) CreateBatch(partitionKey string) Batch {
	return &postgresBatch{container: c, partitionKey: partitionKey}
}

// Query returns a keyset-paged iterator over matching documents
func (c *PostgresContainer) Query(q Query) Iterator {
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &postgresIterator{container: c, query: q, pageSize: pageSize, more: true}
}

func (c *PostgresContainer) insertSQL() string {
	return fmt.Sprintf(`INSERT INTO %s (id, partition_key, body) VALUES ($1, $2, $3::jsonb)`, c.table)
}

// buildQuery renders a query page as SQL. Field paths and projected names are
// passed as parameters; only the table name is interpolated.
func buildQuery(table string, q Query, after string, limit int) (string, []interface{}, error) {
	queryBuilder := strings.Builder{}
	args := []interface{}{}
	argIndex := 1

	queryBuilder.WriteString("SELECT id, ")

	if len(q.Select) == 0 {
		queryBuilder.WriteString("body")
	} else {
		queryBuilder.WriteString("jsonb_build_object(")
		for i, field := range q.Select {
			if !fieldPattern.MatchString(field) {
				return "", nil, fmt.Errorf("%w: projection %q", ErrUnsupportedCondition, field)
			}
			if i > 0 {
				queryBuilder.WriteString(", ")
			}
			queryBuilder.WriteString(fmt.Sprintf("$%d::text, body -> $%d::text", argIndex, argIndex))
			args = append(args, field)
			argIndex++
		}
		queryBuilder.WriteString(")")
	}

	queryBuilder.WriteString(fmt.Sprintf(" FROM %s WHERE 1=1", table))

	if q.PartitionKey != "" {
		queryBuilder.WriteString(fmt.Sprintf(" AND partition_key = $%d", argIndex))
		args = append(args, q.PartitionKey)
		argIndex++
	}

	for _, cond := range q.Where {
		var value string
		if cond.Field == idField {
			switch cond.Value.(type) {
			case string, []string:
			default:
				return "", nil, fmt.Errorf("%w: %s %s %T", ErrUnsupportedCondition, cond.Field, cond.Op, cond.Value)
			}
			value = "id"
		} else {
			path, err := fieldPath(cond.Field)
			if err != nil {
				return "", nil, err
			}

			value = fmt.Sprintf("(body #>> $%d::text[])", argIndex)
			args = append(args, path)
			argIndex++
		}

		switch v := cond.Value.(type) {
		case string:
			if cond.Op != OpEqual {
				return "", nil, fmt.Errorf("%w: %s %s string", ErrUnsupportedCondition, cond.Field, cond.Op)
			}
			queryBuilder.WriteString(fmt.Sprintf(" AND %s = $%d", value, argIndex))
			args = append(args, v)

		case []string:
			if cond.Op != OpIn {
				return "", nil, fmt.Errorf("%w: %s %s list", ErrUnsupportedCondition, cond.Field, cond.Op)
			}
			queryBuilder.WriteString(fmt.Sprintf(" AND %s = ANY($%d::text[])", value, argIndex))
			args = append(args, v)

		case bool:
			if cond.Op != OpEqual {
				return "", nil, fmt.Errorf("%w: %s %s bool", ErrUnsupportedCondition, cond.Field, cond.Op)
			}
			queryBuilder.WriteString(fmt.Sprintf(" AND %s::boolean = $%d", value, argIndex))
			args = append(args, v)

		default:
			number, ok := toFloat(cond.Value)
			if !ok || (cond.Op != OpEqual && cond.Op != OpGreater) {
				return "", nil, fmt.Errorf("%w: %s %s %T", ErrUnsupportedCondition, cond.Field, cond.Op, cond.Value)
			}
			queryBuilder.WriteString(fmt.Sprintf(" AND %s::numeric %s $%d::numeric", value, cond.Op, argIndex))
			args = append(args, numericArg(cond.Value, number))
		}
		argIndex++
	}

	if after != "" {
		queryBuilder.WriteString(fmt.Sprintf(" AND id > $%d", argIndex))
		args = append(args, after)
		argIndex++
	}

	queryBuilder.WriteString(fmt.Sprintf(" ORDER BY id LIMIT $%d", argIndex))
	args = append(args, limit)

	return queryBuilder.String(), args, nil
}

func fieldPath(field string) ([]string, error) {
	parts := strings.Split(field, ".")
	for _, part := range parts {
		if !fieldPattern.MatchString(part) {
			return nil, fmt.Errorf("%w: field %q", ErrUnsupportedCondition, field)
		}
	}
	return parts, nil
}

// numericArg keeps integers integral so large timestamps compare exactly
func numericArg(original interface{}, number float64) interface{} {
	switch v := original.(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	default:
		return number
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type postgresBatch struct {
	container    *PostgresContainer
	partitionKey string
	items        []Item
}

func (b *postgresBatch) Create(item Item) Batch {
	b.items = append(b.items, item)
	return b
}

// Execute runs every queued insert in one transaction. Constraint failures
// are reported through the response status; connection and context failures
// are returned as errors.
func (b *postgresBatch) Execute(ctx context.Context) (*BatchResponse, error) {
	for i, item := range b.items {
		if item.PartitionKey != b.partitionKey {
			return failedBatch(b.items, i, http.StatusBadRequest), nil
		}
	}
	if len(b.items) == 0 {
		return succeededBatch(nil), nil
	}

	tx, err := b.container.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("error starting batch transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	insert := b.container.insertSQL()
	for _, item := range b.items {
		batch.Queue(insert, item.ID, item.PartitionKey, string(item.Body))
	}

	results := tx.SendBatch(ctx, batch)
	for i := range b.items {
		if _, err := results.Exec(); err != nil {
			results.Close()

			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) {
				return nil, fmt.Errorf("error executing batch: %w", err)
			}
			status := http.StatusInternalServerError
			if pgErr.Code == uniqueViolation {
				status = http.StatusConflict
			}
			return failedBatch(b.items, i, status), nil
		}
	}

	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("error closing batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("error committing batch: %w", err)
	}

	return succeededBatch(b.items), nil
}

type postgresIterator struct {
	container *PostgresContainer
	query     Query
	pageSize  int
	lastID    string
	more      bool
}

func (it *postgresIterator) HasMoreResults() bool {
	return it.more
}

func (it *postgresIterator) ReadNext(ctx context.Context) ([]json.RawMessage, error) {
	sql, args, err := buildQuery(it.container.table, it.query, it.lastID, it.pageSize)
	if err != nil {
		return nil, err
	}

	rows, err := it.container.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("error executing query: %w", err)
	}
	defer rows.Close()

	var page []json.RawMessage
	for rows.Next() {
		var id string
		var body []byte

		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("error scanning document: %w", err)
		}

		it.lastID = id
		page = append(page, json.RawMessage(body))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	it.more = len(page) == it.pageSize
	return page, nil
}
