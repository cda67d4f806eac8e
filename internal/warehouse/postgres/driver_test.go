package postgres

import (
	"testing"

	"github.com/johndauphine/mdcore/internal/warehouse"
)

func TestStatements(t *testing.T) {
	d := Dialect{}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"delete", warehouse.DeleteSQL(d, "market", "bars", "trade_date"),
			`DELETE FROM "market"."bars" WHERE "trade_date" = $1`},
		{"count", warehouse.CountSQL(d, "market", "bars", ""),
			`SELECT COUNT(*) FROM "market"."bars"`},
		{"count partition", warehouse.CountSQL(d, "market", "bars", "trade_date"),
			`SELECT COUNT(*) FROM "market"."bars" WHERE "trade_date" = $1`},
		{"insert", warehouse.InsertSQL(d, "public", "bars", []string{"symbol", "close"}, 2),
			`INSERT INTO "public"."bars" ("symbol", "close") VALUES ($1, $2), ($3, $4)`},
		{"quote escaping", d.QuoteIdentifier(`we"ird`), `"we""ird"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %s, want %s", tt.got, tt.want)
			}
		})
	}
}

func TestRegistered(t *testing.T) {
	for _, name := range []string{"postgres", "postgresql", "PG"} {
		d, err := warehouse.Get(name)
		if err != nil {
			t.Fatalf("Get(%q): %v", name, err)
		}
		if d.Name() != "postgres" {
			t.Errorf("Get(%q).Name() = %s", name, d.Name())
		}
	}
}
