package db

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestConnectRejectsInvalidDSN(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, "not a dsn")
	if err == nil {
		t.Error("Connect() with invalid DSN should return an error")
	}
}

func TestSchemaContainsLoadBearingConstraints(t *testing.T) {
	// The uniqueness constraints are correctness mechanisms, not just indexes;
	// make sure nobody drops them from the schema file.
	checks := []string{
		"PRIMARY KEY (owner_id, idempotency_key)",
		"UNIQUE (issue_id, subscriber_email)",
		"WHERE status = 'pending'",
	}
	for _, c := range checks {
		if !strings.Contains(schema, c) {
			t.Errorf("schema.sql missing %q", c)
		}
	}
}
