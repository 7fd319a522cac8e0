package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

func coalesce(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// mergeJSON does a shallow merge of patch into base. Keys present in patch
// win; everything else from base survives.
func mergeJSON(base, patch []byte) ([]byte, error) {
	var dst map[string]json.RawMessage
	if err := json.Unmarshal(base, &dst); err != nil {
		return nil, fmt.Errorf("decode existing payload: %w", err)
	}
	var src map[string]json.RawMessage
	if err := json.Unmarshal(patch, &src); err != nil {
		return nil, fmt.Errorf("decode patch payload: %w", err)
	}
	for k, v := range src {
		dst[k] = v
	}
	return json.Marshal(dst)
}

// bumpUsageOutcome records a finished attempt against the resource's daily
// counter row. The row already exists when the item was allocated that day;
// the upsert covers outcomes landing after midnight.
func bumpUsageOutcome(ctx context.Context, tx *sql.Tx, resourceID, day string, succeeded bool) error {
	col := "failed"
	if succeeded {
		col = "succeeded"
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO daily_usage (resource_id, day, allocated, succeeded, failed)
		 VALUES (?, ?, 0, 0, 0)
		 ON CONFLICT(resource_id, day) DO NOTHING`,
		resourceID, day,
	)
	if err != nil {
		return fmt.Errorf("ensure usage row: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE daily_usage SET `+col+` = `+col+` + 1 WHERE resource_id = ? AND day = ?`,
		resourceID, day,
	); err != nil {
		return fmt.Errorf("bump usage %s: %w", col, err)
	}
	return nil
}
