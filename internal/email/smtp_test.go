package email

import (
	"strings"
	"testing"
)

func TestSendText_NotConfigured(t *testing.T) {
	if err := SendText(SMTPConfig{}, "a@example.com", "hi", "body"); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestBuildMessage(t *testing.T) {
	msg := string(buildMessage("agent@example.com", "tenant@example.com", "New message", "hello"))
	if !strings.Contains(msg, "Subject: New message\r\n") {
		t.Fatalf("missing subject header: %q", msg)
	}
	if !strings.HasSuffix(msg, "\r\n\r\nhello") {
		t.Fatalf("body not separated from headers: %q", msg)
	}
}

func TestBuildMessage_StripsHeaderBreaks(t *testing.T) {
	msg := string(buildMessage("agent@example.com", "tenant@example.com\r\nBcc: x@evil.test",
		"New message about Flat\r\nBcc: y@evil.test\nX-Spam: 1", "line one\r\nline two"))

	head, body, ok := strings.Cut(msg, "\r\n\r\n")
	if !ok {
		t.Fatalf("no header/body separator: %q", msg)
	}
	for _, line := range strings.Split(head, "\r\n") {
		if strings.HasPrefix(line, "Bcc:") || strings.HasPrefix(line, "X-Spam:") {
			t.Fatalf("injected header line %q in %q", line, head)
		}
	}
	if !strings.Contains(head, "Subject: New message about Flat Bcc: y@evil.test X-Spam: 1\r\n") {
		t.Fatalf("subject not folded onto one line: %q", head)
	}
	if body != "line one\r\nline two" {
		t.Fatalf("body must be left alone: %q", body)
	}
}
