package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/sheetagent/pkg/duck"
)

const createTracesTable = `CREATE TABLE IF NOT EXISTS traces (
	trace_id VARCHAR PRIMARY KEY,
	ts TIMESTAMP NOT NULL,
	user_query VARCHAR NOT NULL,
	intent_analysis VARCHAR,
	query_text VARCHAR NOT NULL,
	execution_result VARCHAR,
	final_messages VARCHAR NOT NULL,
	error_message VARCHAR NOT NULL,
	feedback VARCHAR
)`

const selectTraces = `SELECT trace_id, ts, user_query, intent_analysis, query_text,
	execution_result, final_messages, error_message, feedback FROM traces`

type DuckConfig struct {
	Logger *slog.Logger
	DB     duck.DB
}

func (c *DuckConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DB == nil {
		return errors.New("db is required")
	}
	return nil
}

// DuckStore keeps trace records in a DuckDB table.
type DuckStore struct {
	log *slog.Logger
	db  duck.DB
}

func NewDuckStore(ctx context.Context, cfg DuckConfig) (*DuckStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &DuckStore{log: cfg.Logger, db: cfg.DB}
	err := s.withConn(ctx, func(conn duck.Connection) error {
		_, err := conn.ExecContext(ctx, createTracesTable)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create traces table: %w", err)
	}
	return s, nil
}

func (s *DuckStore) withConn(ctx context.Context, fn func(duck.Connection) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

func (s *DuckStore) Save(ctx context.Context, rec Record) error {
	if rec.TraceID == "" {
		return errors.New("trace id is required")
	}
	messages, err := json.Marshal(rec.FinalMessages)
	if err != nil {
		return fmt.Errorf("failed to marshal final messages: %w", err)
	}
	var intent, result, feedback any
	if len(rec.IntentAnalysis) > 0 {
		intent = string(rec.IntentAnalysis)
	}
	if rec.ExecutionResult != nil {
		result = *rec.ExecutionResult
	}
	if rec.Feedback != nil {
		data, err := json.Marshal(rec.Feedback)
		if err != nil {
			return fmt.Errorf("failed to marshal feedback: %w", err)
		}
		feedback = string(data)
	}

	err = s.withConn(ctx, func(conn duck.Connection) error {
		return duck.RetryConflicts(ctx, s.log, "save trace", func() error {
			_, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO traces
				(trace_id, ts, user_query, intent_analysis, query_text, execution_result, final_messages, error_message, feedback)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				rec.TraceID, rec.Timestamp.UTC(), rec.UserQuery, intent, rec.QueryText, result, string(messages), rec.ErrorMessage, feedback)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("failed to save trace: %w", err)
	}
	return nil
}

func (s *DuckStore) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.withConn(ctx, func(conn duck.Connection) error {
		var err error
		rec, err = scanRecord(conn.QueryRowContext(ctx, selectTraces+" WHERE trace_id = ?", id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get trace: %w", err)
	}
	return rec, nil
}

func (s *DuckStore) List(ctx context.Context, limit int) ([]Record, error) {
	q := selectTraces + " ORDER BY ts DESC, trace_id"
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	var out []Record
	err := s.withConn(ctx, func(conn duck.Connection) error {
		rows, err := conn.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list traces: %w", err)
	}
	return out, nil
}

func (s *DuckStore) SetFeedback(ctx context.Context, id string, fb Feedback) error {
	data, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("failed to marshal feedback: %w", err)
	}
	var affected int64
	err = s.withConn(ctx, func(conn duck.Connection) error {
		return duck.RetryConflicts(ctx, s.log, "set feedback", func() error {
			res, err := conn.ExecContext(ctx, "UPDATE traces SET feedback = ? WHERE trace_id = ?", string(data), id)
			if err != nil {
				return err
			}
			affected, err = res.RowsAffected()
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("failed to set feedback: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec                      Record
		intent, result, feedback sql.NullString
		messages                 string
	)
	if err := row.Scan(&rec.TraceID, &rec.Timestamp, &rec.UserQuery, &intent, &rec.QueryText,
		&result, &messages, &rec.ErrorMessage, &feedback); err != nil {
		return Record{}, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if intent.Valid {
		rec.IntentAnalysis = json.RawMessage(intent.String)
	}
	if result.Valid {
		v := result.String
		rec.ExecutionResult = &v
	}
	if err := json.Unmarshal([]byte(messages), &rec.FinalMessages); err != nil {
		return Record{}, fmt.Errorf("failed to decode final messages: %w", err)
	}
	if feedback.Valid {
		var fb Feedback
		if err := json.Unmarshal([]byte(feedback.String), &fb); err != nil {
			return Record{}, fmt.Errorf("failed to decode feedback: %w", err)
		}
		rec.Feedback = &fb
	}
	return rec, nil
}
