package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Repository persists connection and data-transfer rows to Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository opens the metrics database and verifies connectivity.
func NewRepository(databaseURL string) (*Repository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("metrics: open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("metrics: ping database: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateConnectionSession inserts a row eagerly at connection start: the
// event worker calls it as soon as the event arrives rather than batching it
// with data-transfer rows.
func (r *Repository) CreateConnectionSession(ctx context.Context, s ConnectionSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO connection_session (id, app_id, connection_id, connected_at)
		 VALUES ($1, $2, $3, $4)`,
		s.ID, s.AppID, s.ConnectionID, s.ConnectedAt,
	)
	if err != nil {
		return fmt.Errorf("metrics: create connection session: %w", err)
	}
	return nil
}

// CloseConnectionSession stamps disconnected_at and duration_ms on close.
func (r *Repository) CloseConnectionSession(ctx context.Context, connectionID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE connection_session
		 SET disconnected_at = $2,
		     duration_ms = EXTRACT(EPOCH FROM ($2 - connected_at)) * 1000
		 WHERE connection_id = $1 AND disconnected_at IS NULL`,
		connectionID, at,
	)
	if err != nil {
		return fmt.Errorf("metrics: close connection session: %w", err)
	}
	return nil
}

// RecordDataTransferBatch inserts a batch of data-transfer rows using a
// single parameterized multi-row INSERT, matching the batched-flush design.
func (r *Repository) RecordDataTransferBatch(ctx context.Context, batch []DataTransferMetric) error {
	if len(batch) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO data_transfer_metrics
		(connection_id, channel_id, message_type, message_size_bytes, recipient_count, created_at) VALUES `)

	args := make([]any, 0, len(batch)*6)
	for i, m := range batch {
		if i > 0 {
			sb.WriteByte(',')
		}
		base := i * 6
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, m.ConnectionID, m.ChannelID, string(m.MessageType), m.MessageSizeBytes, m.RecipientCount, m.CreatedAt)
	}

	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("metrics: record data transfer batch: %w", err)
	}
	return nil
}
