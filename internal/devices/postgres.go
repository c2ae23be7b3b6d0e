package devices

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

const activeDevicesQuery = `SELECT id::text, data_interval_seconds FROM onboarding_devices WHERE status = 'active'`

// PostgresDirectory reads active devices from the onboarding_devices table shared with the
// device-management service.
type PostgresDirectory struct {
	db     *sql.DB
	logger *slog.Logger
}

func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresDirectory, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return NewPostgresDirectory(db, logger), nil
}

func NewPostgresDirectory(db *sql.DB, logger *slog.Logger) *PostgresDirectory {
	return &PostgresDirectory{db: db, logger: logger.WithGroup("devices")}
}

func (p *PostgresDirectory) ActiveDevices(ctx context.Context) ([]Device, error) {
	rows, err := p.db.QueryContext(ctx, activeDevicesQuery)
	if err != nil {
		return nil, errors.Wrap(err, "query active devices")
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var (
			id       string
			interval sql.NullInt64
		)
		if err := rows.Scan(&id, &interval); err != nil {
			return nil, errors.Wrap(err, "scan active device")
		}
		d := Device{ID: id, Status: StatusActive}
		if interval.Valid {
			d.DataIntervalSeconds = int(interval.Int64)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate active devices")
	}
	p.logger.Debug("loaded active devices", "count", len(out))
	return out, nil
}

func (p *PostgresDirectory) Close() error {
	return p.db.Close()
}
