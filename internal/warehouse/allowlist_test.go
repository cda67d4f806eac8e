package warehouse

import (
	"errors"
	"testing"
	"time"

	"github.com/johndauphine/mdcore/internal/config"
)

func TestAllowList_CheckKey(t *testing.T) {
	a, err := NewAllowList(map[string]config.TableConfig{
		"bars":   {PartitionColumns: []string{"trade_date"}},
		"ticks":  {PartitionColumns: []string{"venue"}, KeyPattern: `^[A-Z]{2,6}$`},
		"splits": {PartitionColumns: []string{"year"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		table   string
		value   any
		want    string
		wantErr bool
	}{
		{"bars", "2024-01-15", "2024-01-15", false},
		{"bars", "AAPL:US", "AAPL:US", false},
		{"bars", "2024-01-15; DROP TABLE bars", "", true},
		{"bars", "", "", true},
		{"bars", day, "2024-01-15", false},
		{"bars", 3.5, "", true},
		{"splits", int64(2024), "2024", false},
		{"splits", 2024, "2024", false},
		{"ticks", "XNAS", "XNAS", false},
		{"ticks", "xnas", "", true},
		{"quotes", "2024-01-15", "", true},
	}
	for _, tt := range tests {
		got, _, err := a.CheckKey(tt.table, tt.value)
		if tt.wantErr {
			var idErr *IdentifierError
			if !errors.As(err, &idErr) {
				t.Errorf("CheckKey(%s, %v): expected IdentifierError, got %v", tt.table, tt.value, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("CheckKey(%s, %v): %v", tt.table, tt.value, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CheckKey(%s, %v) = %s, want %s", tt.table, tt.value, got, tt.want)
		}
	}
}

func TestNewAllowList_RejectsBadTable(t *testing.T) {
	_, err := NewAllowList(map[string]config.TableConfig{"bad-name": {PartitionColumns: []string{"d"}}})
	var idErr *IdentifierError
	if !errors.As(err, &idErr) {
		t.Fatalf("expected IdentifierError, got %v", err)
	}
}

func TestOrderColumns(t *testing.T) {
	got := orderColumns([]string{"b", "a", "missing"}, map[string]bool{"a": true, "b": true, "z": true, "c": true})
	want := []string{"b", "a", "c", "z"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
