package email

import (
	"errors"
	"fmt"
	"net/smtp"
	"strings"
)

type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

var ErrNotConfigured = errors.New("smtp not configured")

func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

// headerSafe folds CR and LF into spaces so a value cannot start a new header.
var headerSafe = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + headerSafe.Replace(from) + "\r\n")
	b.WriteString("To: " + headerSafe.Replace(to) + "\r\n")
	b.WriteString("Subject: " + headerSafe.Replace(subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// SendText sends a plain text mail.
func SendText(cfg SMTPConfig, to, subject, body string) error {
	if !cfg.Enabled() {
		return ErrNotConfigured
	}
	var auth smtp.Auth
	if cfg.User != "" {
		auth = smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return smtp.SendMail(addr, auth, cfg.From, []string{to}, buildMessage(cfg.From, to, subject, body))
}
