package email

import (
	"strings"
	"testing"
)

func TestBuildMessageHeaders(t *testing.T) {
	msg := string(buildMessage("no-reply@tierline.local", []string{"a@example.com", "b@example.com"}, "Your code", "<p>123456</p>"))

	if !strings.HasPrefix(msg, "From: no-reply@tierline.local\r\n") {
		t.Fatalf("unexpected from header: %q", msg)
	}
	if !strings.Contains(msg, "To: a@example.com, b@example.com\r\n") {
		t.Fatalf("expected all recipients in To header")
	}
	if !strings.Contains(msg, "Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n<p>123456</p>") {
		t.Fatalf("expected html body after headers: %q", msg)
	}
}
