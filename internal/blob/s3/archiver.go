package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// archiveLine is the JSONL shape of one triangle in a session archive.
type archiveLine struct {
	ID               string        `json:"id"`
	SessionID        string        `json:"session_id"`
	TemplateID       int           `json:"template_id"`
	Combinator       string        `json:"combinator"`
	Direction        int           `json:"direction"`
	Slot             int           `json:"slot"`
	IsCompensation   bool          `json:"is_compensation"`
	ParentSlot       int           `json:"parent_slot"`
	State            string        `json:"state"`
	DeviationAtEntry float64       `json:"deviation_at_entry"`
	Legs             []archivedLeg `json:"legs"`
	OpenedAt         time.Time     `json:"opened_at"`
	ClosedAt         *time.Time    `json:"closed_at,omitempty"`
	CloseReason      string        `json:"close_reason,omitempty"`
	RealizedPnL      float64       `json:"realized_pnl"`
	FailureReason    string        `json:"failure_reason,omitempty"`
}

type archivedLeg struct {
	Index      int     `json:"index"`
	Symbol     string  `json:"symbol"`
	Derived    bool    `json:"derived"`
	Side       string  `json:"side"`
	OrderID    string  `json:"order_id"`
	EntryPrice float64 `json:"entry_price"`
	Lot        float64 `json:"lot"`
}

func toArchiveLine(r domain.TriangleRecord) archiveLine {
	line := archiveLine{
		ID:               r.ID,
		SessionID:        r.SessionID,
		TemplateID:       r.TemplateID,
		Combinator:       r.Combinator,
		Direction:        r.Direction,
		Slot:             r.Slot,
		IsCompensation:   r.IsCompensation,
		ParentSlot:       r.ParentSlot,
		State:            string(r.State),
		DeviationAtEntry: r.DeviationAtEntry,
		OpenedAt:         r.OpenedAt.UTC(),
		ClosedAt:         r.ClosedAt,
		CloseReason:      string(r.CloseReason),
		RealizedPnL:      r.RealizedPnL,
		FailureReason:    r.FailureReason,
	}
	for _, l := range r.Legs {
		line.Legs = append(line.Legs, archivedLeg{
			Index:      l.Index,
			Symbol:     l.Symbol,
			Derived:    l.Derived,
			Side:       string(l.Side),
			OrderID:    l.OrderID,
			EntryPrice: l.EntryPrice,
			Lot:        l.Lot,
		})
	}
	return line
}

// SessionArchiver uploads the finished triangles of one engine session.
type SessionArchiver struct {
	writer    domain.BlobWriter
	sessionID string
	logger    *slog.Logger
	now       func() time.Time
}

// NewSessionArchiver creates an archiver for sessionID.
func NewSessionArchiver(writer domain.BlobWriter, sessionID string, logger *slog.Logger) *SessionArchiver {
	return &SessionArchiver{
		writer:    writer,
		sessionID: sessionID,
		logger:    logger.With(slog.String("component", "session_archiver")),
		now:       time.Now,
	}
}

// Archive writes the closed and failed triangles among records to
// sessions/{date}/{sessionID}.jsonl. Records still in flight are skipped. It
// returns the number of lines written; an empty session uploads nothing.
func (a *SessionArchiver) Archive(ctx context.Context, records []domain.TriangleRecord) (int, error) {
	finished := make([]archiveLine, 0, len(records))
	for _, r := range records {
		if r.State != domain.TriangleStateClosed && r.State != domain.TriangleStateFailed {
			continue
		}
		finished = append(finished, toArchiveLine(r))
	}
	if len(finished) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(finished)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive session marshal: %w", err)
	}

	path := sessionPath(a.now(), a.sessionID)
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive session upload: %w", err)
	}

	a.logger.Info("session archived",
		slog.String("path", path),
		slog.Int("triangles", len(finished)),
		slog.Int("bytes", len(buf)),
	)
	return len(finished), nil
}

// sessionPath builds the archive key, partitioned by UTC day.
//
//	sessions/2025-01-31/5f0c....jsonl
func sessionPath(at time.Time, sessionID string) string {
	return fmt.Sprintf("sessions/%s/%s.jsonl", at.UTC().Format("2006-01-02"), sessionID)
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
