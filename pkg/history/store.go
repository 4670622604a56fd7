package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/npu-bridge/npu-bridge-go/pkg/models"
	"github.com/npu-bridge/npu-bridge-go/utils"
)

// Record is one terminal operation outcome as persisted
type Record struct {
	OperationID     string    `json:"operation_id"`
	Kind            string    `json:"kind"`
	Priority        string    `json:"priority"`
	Status          string    `json:"status"`
	Attempts        int       `json:"attempts"`
	Success         bool      `json:"success"`
	ExecutionTimeUs uint64    `json:"execution_time_us"`
	Error           string    `json:"error,omitempty"`
	Result          string    `json:"result,omitempty"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Store persists terminal operation outcomes to SQLite so they survive
// restarts and remain queryable after the bridge forgets live state
type Store struct {
	db     *sql.DB
	logger *utils.Logger
}

// NewStore opens (or creates) the history database at dbPath
func NewStore(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// Writes are serialized by SQLite anyway; keep the pool small.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}

	s := &Store{db: db, logger: utils.GetLogger()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operation_history (
		operation_id      TEXT PRIMARY KEY,
		kind              TEXT NOT NULL,
		priority          TEXT NOT NULL,
		status            TEXT NOT NULL,
		attempts          INTEGER NOT NULL,
		success           INTEGER NOT NULL,
		execution_time_us INTEGER NOT NULL,
		error             TEXT,
		result            TEXT,
		completed_at      DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_kind ON operation_history(kind);
	CREATE INDEX IF NOT EXISTS idx_history_completed_at ON operation_history(completed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save persists one terminal outcome. Saving the same operation id twice
// overwrites the earlier row.
func (s *Store) Save(op models.Operation, result models.OperationResult) error {
	resultJSON := ""
	if result.Data != nil {
		data, err := json.Marshal(result.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal result data: %w", err)
		}
		resultJSON = string(data)
	}

	completedAt := time.Now()
	if op.CompletedAt != nil {
		completedAt = *op.CompletedAt
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO operation_history
		(operation_id, kind, priority, status, attempts, success, execution_time_us, error, result, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Kind), op.Priority.String(), string(op.Status),
		op.Attempts, result.Success, result.ExecutionTimeUs,
		result.Error, resultJSON, completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save operation history: %w", err)
	}
	return nil
}

// Get returns the persisted outcome for an operation id
func (s *Store) Get(operationID string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT operation_id, kind, priority, status, attempts, success, execution_time_us, error, result, completed_at
		FROM operation_history WHERE operation_id = ?`, operationID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no history for operation %s", operationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load operation history: %w", err)
	}
	return rec, nil
}

// Recent returns the most recently completed operations, newest first
func (s *Store) Recent(limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT operation_id, kind, priority, status, attempts, success, execution_time_us, error, result, completed_at
		FROM operation_history ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation history: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByStatus returns terminal outcome counts grouped by status
func (s *Store) CountByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM operation_history GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// Prune deletes history rows older than the cutoff and returns how many
// were removed
func (s *Store) Prune(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM operation_history WHERE completed_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune operation history: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var errStr, resultStr sql.NullString
	if err := row.Scan(&rec.OperationID, &rec.Kind, &rec.Priority, &rec.Status,
		&rec.Attempts, &rec.Success, &rec.ExecutionTimeUs, &errStr, &resultStr, &rec.CompletedAt); err != nil {
		return nil, err
	}
	rec.Error = errStr.String
	rec.Result = resultStr.String
	return &rec, nil
}

// Subscribe wires the store to the event bus so every terminal outcome is
// persisted as it happens
func (s *Store) Subscribe(bus *utils.EventBus) {
	handler := func(event utils.Event) error {
		op, ok := event.Payload["operation"].(models.Operation)
		if !ok {
			return fmt.Errorf("event payload missing operation")
		}
		result, ok := event.Payload["result"].(models.OperationResult)
		if !ok {
			return fmt.Errorf("event payload missing result")
		}
		return s.Save(op, result)
	}

	bus.Subscribe(utils.EventOperationCompleted, handler)
	bus.Subscribe(utils.EventOperationFailed, handler)
	bus.Subscribe(utils.EventOperationDropped, handler)
}
