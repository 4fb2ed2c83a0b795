package db

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lalithlochan/herald/internal/notification"
)

func TestSelectColumns(t *testing.T) {
	plain := selectColumns("")
	if !strings.HasPrefix(plain, "id, external_event_id, COALESCE(correlation_id, '')") {
		t.Errorf("unexpected column list: %s", plain)
	}

	aliased := selectColumns("n")
	if !strings.Contains(aliased, "n.retry_count") || !strings.Contains(aliased, "COALESCE(n.template_id, '')") {
		t.Errorf("columns not qualified: %s", aliased)
	}
	// five COALESCE(x, '') add one comma each
	if got := strings.Count(aliased, ","); got != len(notificationColumns)-1+5 {
		t.Errorf("expected %d commas, got %d", len(notificationColumns)-1+5, got)
	}
}

func TestJSONB_NullForEmpty(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil content", (*notification.Content)(nil), ""},
		{"nil email", (*notification.EmailOptions)(nil), ""},
		{"empty metadata", map[string]string{}, ""},
		{"content", &notification.Content{Body: "hi"}, `{"body":"hi"}`},
		{"metadata", map[string]string{"category": "digest"}, `{"category":"digest"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := jsonb(tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	dup := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !isUniqueViolation(dup) {
		t.Error("wrapped 23505 should be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("foreign key violation is not a unique violation")
	}
	if isUniqueViolation(errors.New("boom")) || isUniqueViolation(nil) {
		t.Error("plain errors are not unique violations")
	}
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5432, User: "herald", Database: "herald", SSLMode: "disable"}
	if got := cfg.DSN(); strings.Contains(got, "password") {
		t.Errorf("empty password must be omitted: %s", got)
	}
	cfg.Password = "secret"
	if got := cfg.DSN(); !strings.Contains(got, "password=secret") {
		t.Errorf("password missing: %s", got)
	}
	cfg.URL = "postgres://herald@db:5432/herald"
	if got := cfg.DSN(); got != cfg.URL {
		t.Errorf("URL should take precedence, got %s", got)
	}
}
