package persistence

import (
	"testing"

	"github.com/wfunc/georoom/models"
)

func TestPostgresConfig_DSN(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: 5432, User: "geo", Password: "secret", DBName: "rounds"}

	want := "host=db port=5432 user=geo password=secret dbname=rounds sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("Expected DSN %q, got %q", want, got)
	}

	cfg.SSLMode = "require"
	want = "host=db port=5432 user=geo password=secret dbname=rounds sslmode=require"
	if got := cfg.DSN(); got != want {
		t.Errorf("Expected DSN %q, got %q", want, got)
	}
}

func TestGormRound_ToRound(t *testing.T) {
	row := models.GormRound{Position: 3, ImageRef: "img/paris.jpg", Lat: 48.85, Lon: 2.35}

	r := row.ToRound()
	if r.ImageRef != "img/paris.jpg" {
		t.Errorf("Expected image ref to be copied, got %q", r.ImageRef)
	}
	if r.CorrectLocation.Lat != 48.85 || r.CorrectLocation.Lon != 2.35 {
		t.Errorf("Unexpected location: %+v", r.CorrectLocation)
	}
}
