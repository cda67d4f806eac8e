package mssql

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
		{"delete", warehouse.DeleteSQL(d, "dbo", "bars", "trade_date"),
			`DELETE FROM [dbo].[bars] WHERE [trade_date] = @p1`},
		{"insert", warehouse.InsertSQL(d, "dbo", "bars", []string{"symbol", "close"}, 2),
			`INSERT INTO [dbo].[bars] ([symbol], [close]) VALUES (@p1, @p2), (@p3, @p4)`},
		{"quote escaping", d.QuoteIdentifier("we]ird"), "[we]]ird]"},
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
	d, err := warehouse.Get("sqlserver")
	if err != nil {
		t.Fatal(err)
	}
	if d.Name() != "mssql" {
		t.Errorf("alias resolved to %s", d.Name())
	}
}
