package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/extmgr/internal/history"
)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

// EnsureTable creates the events table when it does not exist.
func (s *Sink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			event_id UUID,
			occurred_at DateTime64(6),
			type LowCardinality(String),
			extension_id String,
			name String,
			version String,
			pid UInt32,
			exit_code Nullable(Int32),
			detail String
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, extension_id)`, s.table))
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (event_id, occurred_at, type, extension_id, name, version, pid, exit_code, detail) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	var code *int32
	if e.Record.ExitCode != nil {
		c := int32(*e.Record.ExitCode)
		code = &c
	}
	err := s.conn.Exec(ctx, query,
		e.EventID,
		e.OccurredAt,
		string(e.Type),
		e.Record.ID,
		e.Record.Name,
		e.Record.Version,
		uint32(e.Record.PID),
		code,
		e.Record.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
