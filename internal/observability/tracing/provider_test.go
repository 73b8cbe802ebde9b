package tracing

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsCredentials(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/auth/login"),
		attribute.String("auth.password", "hunter2"),
		attribute.String("refresh_token", "abc"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("expected only http.route, got %v", attrs)
	}
}

func TestSafeError(t *testing.T) {
	if SafeError(nil) != nil {
		t.Fatalf("expected nil")
	}
	plain := errors.New("gateway unavailable")
	if SafeError(plain) != plain {
		t.Fatalf("expected plain error to pass through")
	}
	if got := SafeError(errors.New("invalid token abc")).Error(); got != "redacted error" {
		t.Fatalf("expected redacted error, got %q", got)
	}
}
