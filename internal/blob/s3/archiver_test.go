package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

type putCall struct {
	path      string
	body      []byte
	multipart bool
}

type fakeWriter struct {
	calls []putCall
	err   error
}

func (f *fakeWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, _ := io.ReadAll(data)
	f.calls = append(f.calls, putCall{path: path, body: b})
	return f.err
}

func (f *fakeWriter) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	b, _ := io.ReadAll(data)
	f.calls = append(f.calls, putCall{path: path, body: b, multipart: true})
	return f.err
}

func newTestArchiver(w domain.BlobWriter) *SessionArchiver {
	a := NewSessionArchiver(w, "sess-1", slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return time.Date(2025, 3, 14, 23, 0, 0, 0, time.UTC) }
	return a
}

func TestArchiveSkipsInFlightRecords(t *testing.T) {
	w := &fakeWriter{}
	a := newTestArchiver(w)

	records := []domain.TriangleRecord{
		{ID: "a", State: domain.TriangleStateClosed, CloseReason: domain.CloseReasonTakeProfit, RealizedPnL: 12.5,
			Legs: []domain.TriangleLegRecord{{Index: 0, Symbol: "EURUSD", Side: domain.OrderSideBuy, Lot: 0.1}}},
		{ID: "b", State: domain.TriangleStateActive},
		{ID: "c", State: domain.TriangleStateFailed, FailureReason: "leg 2 rejected"},
	}

	n, err := a.Archive(context.Background(), records)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("archived %d, want 2", n)
	}
	if len(w.calls) != 1 || w.calls[0].multipart {
		t.Fatalf("calls = %+v", w.calls)
	}
	if w.calls[0].path != "sessions/2025-03-14/sess-1.jsonl" {
		t.Fatalf("path = %s", w.calls[0].path)
	}

	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(w.calls[0].body))
	for sc.Scan() {
		var line archiveLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, line.ID)
	}
	if strings.Join(ids, ",") != "a,c" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestArchiveEmptySessionUploadsNothing(t *testing.T) {
	w := &fakeWriter{}
	n, err := newTestArchiver(w).Archive(context.Background(), nil)
	if err != nil || n != 0 || len(w.calls) != 0 {
		t.Fatalf("n=%d err=%v calls=%d", n, err, len(w.calls))
	}
}

func TestArchiveLargeSessionUsesMultipart(t *testing.T) {
	w := &fakeWriter{}
	big := strings.Repeat("x", 1024)
	records := make([]domain.TriangleRecord, 6000)
	for i := range records {
		records[i] = domain.TriangleRecord{ID: "r", State: domain.TriangleStateFailed, FailureReason: big}
	}

	if _, err := newTestArchiver(w).Archive(context.Background(), records); err != nil {
		t.Fatal(err)
	}
	if len(w.calls) != 1 || !w.calls[0].multipart {
		t.Fatal("expected one multipart upload")
	}
}

func TestArchiveUploadError(t *testing.T) {
	boom := errors.New("boom")
	w := &fakeWriter{err: boom}
	_, err := newTestArchiver(w).Archive(context.Background(), []domain.TriangleRecord{{State: domain.TriangleStateClosed}})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	cases := []struct {
		in   string
		ssl  bool
		want string
	}{
		{"minio:9000", false, "http://minio:9000"},
		{"s3.example.com", true, "https://s3.example.com"},
		{"http://already:9000", true, "http://already:9000"},
	}
	for _, c := range cases {
		if got := normaliseEndpoint(c.in, c.ssl); got != c.want {
			t.Errorf("normaliseEndpoint(%q, %v) = %q, want %q", c.in, c.ssl, got, c.want)
		}
	}
}
