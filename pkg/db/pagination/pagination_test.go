package pagination

import (
	"testing"
	"time"
)

func TestLimitClamps(t *testing.T) {
	if got := (Pagination{}).Limit(); got != DefaultPageSize {
		t.Fatalf("expected default, got %d", got)
	}
	if got := (Pagination{PageSize: 1000}).Limit(); got != MaxPageSize {
		t.Fatalf("expected max, got %d", got)
	}
	if got := (Pagination{PageSize: 5}).Limit(); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestTrimProducesDecodableToken(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := []int64{5, 4, 3}
	page, info, err := Trim(rows, 2, func(id int64) Cursor { return Cursor{ID: id, CreatedAt: ts} })
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if len(page) != 2 || !info.HasMore {
		t.Fatalf("expected 2 rows with more, got %d %v", len(page), info.HasMore)
	}
	cursor, err := DecodeCursor(info.NextPageToken)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cursor.ID != 4 || !cursor.CreatedAt.Equal(ts) {
		t.Fatalf("unexpected cursor %+v", cursor)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	if _, err := DecodeCursor("%%%"); err != ErrInvalidPageToken {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}
