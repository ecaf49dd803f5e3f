package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Log appends an audit entry; detail is stored as JSON text.
func (s *Store) Log(ctx context.Context, event string, detail map[string]any) error {
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(data), formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}
