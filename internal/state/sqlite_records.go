package state

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// PutRecord inserts or replaces one record of a project table.
func (s *SQLiteStore) PutRecord(ctx context.Context, table, id string, record map[string]any) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	if err := validateTableName(table); err != nil {
		return err
	}
	if id == "" {
		id = generateID()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO project_records (table_name, id, record, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (table_name, id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		table, id, string(data), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// FetchRecords returns every record of a project table. Each record carries
// its id under "id" unless the record already defines one.
func (s *SQLiteStore) FetchRecords(ctx context.Context, table string) ([]map[string]any, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	if err := validateTableName(table); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record FROM project_records WHERE table_name = ? ORDER BY id`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch records of %s: %w", table, err)
	}
	defer rows.Close()

	records := []map[string]any{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		record := map[string]any{}
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return nil, fmt.Errorf("record %s/%s is not a JSON object: %w", table, id, err)
		}
		if _, ok := record["id"]; !ok {
			record["id"] = id
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func validateTableName(table string) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}
