package tracking

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps every metric snapshot in a local SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	run string
}

// Point is one stored metric value.
type Point struct {
	Iteration int
	Value     float64
	Time      time.Time
}

// OpenSQLiteStore opens (or creates) the database at path. run labels the
// rows written by this process.
func OpenSQLiteStore(path, run string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create metrics directory")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open metrics database")
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS metrics(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL NOT NULL,
			run TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL
		)`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create metrics table")
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS metrics_run_name ON metrics(run, name, iteration)`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create metrics index")
	}
	return &SQLiteStore{db: db, run: run}, nil
}

// LogMetrics stores the snapshot in one transaction.
func (s *SQLiteStore) LogMetrics(ctx context.Context, iteration int, metrics map[string]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin metrics transaction")
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO metrics(ts, run, iteration, name, value) VALUES(?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "failed to prepare metrics insert")
	}
	defer stmt.Close()

	ts := float64(time.Now().UnixNano()) / 1e9
	for _, name := range SortedNames(metrics) {
		if _, err := stmt.ExecContext(ctx, ts, s.run, iteration, name, metrics[name]); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "failed to store metric %s", name)
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit metrics")
}

// Series returns the stored values of one metric for this run, by iteration.
func (s *SQLiteStore) Series(ctx context.Context, name string) ([]Point, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT iteration, value, ts FROM metrics WHERE run = ? AND name = ? ORDER BY iteration, id`,
		s.run, name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query metric %s", name)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		var ts float64
		if err := rows.Scan(&p.Iteration, &p.Value, &ts); err != nil {
			return nil, errors.Wrap(err, "failed to scan metric row")
		}
		sec := int64(ts)
		p.Time = time.Unix(sec, int64((ts-float64(sec))*1e9))
		points = append(points, p)
	}
	return points, errors.Wrap(rows.Err(), "failed to read metric rows")
}

// LastIteration returns the highest iteration stored for this run.
func (s *SQLiteStore) LastIteration(ctx context.Context) (int, bool, error) {
	var it sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(iteration) FROM metrics WHERE run = ?`, s.run).Scan(&it)
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to query last iteration")
	}
	return int(it.Int64), it.Valid, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
