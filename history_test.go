package netsync

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()

	h, err := OpenHistory(HistoryConfig{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "db", "history.sqlite"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistorySessions(t *testing.T) {
	h := openTestHistory(t)

	start := time.UnixMilli(1_700_000_000_000)
	first := SessionRecord{Session: uuid.New(), ClientID: 1, Addr: "10.0.0.1:4000", ConnectedAt: start}
	second := SessionRecord{Session: uuid.New(), ClientID: 2, Addr: "10.0.0.2:4000", ConnectedAt: start.Add(time.Second)}

	for _, rec := range []SessionRecord{first, second} {
		if err := h.Joined(rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.Welcomed(first.Session, start.Add(10*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if err := h.Left(first.Session, start.Add(5*time.Second), LeaveQuit); err != nil {
		t.Fatal(err)
	}

	recs, err := h.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("Recent(10) returned %d records", len(recs))
	}

	if recs[0].Session != second.Session {
		t.Fatalf("newest session = %v, want %v", recs[0].Session, second.Session)
	}
	if !recs[0].WelcomedAt.IsZero() || !recs[0].LeftAt.IsZero() || recs[0].Reason != "" {
		t.Fatalf("open session = %+v", recs[0])
	}

	got := recs[1]
	if got.ClientID != 1 || got.Addr != first.Addr || !got.ConnectedAt.Equal(start) {
		t.Fatalf("first session = %+v", got)
	}
	if !got.WelcomedAt.Equal(start.Add(10*time.Millisecond)) || !got.LeftAt.Equal(start.Add(5*time.Second)) {
		t.Fatalf("first session times = %+v", got)
	}
	if got.Reason != LeaveQuit {
		t.Fatalf("reason = %q", got.Reason)
	}

	if recs, err := h.Recent(1); err != nil || len(recs) != 1 {
		t.Fatalf("Recent(1) = %d records, %v", len(recs), err)
	}
}

func TestHistoryStorage(t *testing.T) {
	h := openTestHistory(t)

	if v, err := h.GetKey("missing"); err != nil || v != "" {
		t.Fatalf(`GetKey("missing") = %q, %v`, v, err)
	}

	if err := h.SetKey("greeting", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := h.SetKey("greeting", "hi"); err != nil {
		t.Fatal(err)
	}
	if v, _ := h.GetKey("greeting"); v != "hi" {
		t.Fatalf(`GetKey("greeting") = %q, want "hi"`, v)
	}

	if err := h.SetKey("greeting", ""); err != nil {
		t.Fatal(err)
	}
	if v, _ := h.GetKey("greeting"); v != "" {
		t.Fatalf("empty value did not delete, got %q", v)
	}

	h.SetKey("a", "1")
	if err := h.DeleteKey("a"); err != nil {
		t.Fatal(err)
	}
	if v, _ := h.GetKey("a"); v != "" {
		t.Fatalf("DeleteKey left %q", v)
	}
}

func TestOpenHistoryDrivers(t *testing.T) {
	h, err := OpenHistory(HistoryConfig{})
	if h != nil || err != nil {
		t.Fatalf("disabled history = %v, %v", h, err)
	}

	if _, err := OpenHistory(HistoryConfig{Driver: "mysql"}); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestHistoryRebind(t *testing.T) {
	q := `UPDATE sessions SET left_at = ?, reason = ? WHERE session = ?;`

	pg := &History{driver: "postgres"}
	if got := pg.rebind(q); got != `UPDATE sessions SET left_at = $1, reason = $2 WHERE session = $3;` {
		t.Fatalf("postgres rebind = %q", got)
	}

	lite := &History{driver: "sqlite3"}
	if got := lite.rebind(q); got != q {
		t.Fatalf("sqlite3 rebind changed the query to %q", got)
	}
}
