package email

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSMTPClient implements smtpClient for testing.
type mockSMTPClient struct {
	helloCalled bool
	tlsCalled   bool
	authCalled  bool
	mailFrom    string
	rcptTo      string
	dataWritten []byte
	quitCalled  bool
	closeCalled bool
	authErr     error
	rcptErr     error
}

func (m *mockSMTPClient) Hello(_ string) error { m.helloCalled = true; return nil }
func (m *mockSMTPClient) Extension(ext string) (bool, string) {
	if ext == "STARTTLS" {
		return true, ""
	}
	return false, ""
}
func (m *mockSMTPClient) StartTLS(_ *tls.Config) error { m.tlsCalled = true; return nil }
func (m *mockSMTPClient) Auth(_ smtp.Auth) error {
	m.authCalled = true
	return m.authErr
}
func (m *mockSMTPClient) Mail(from string) error {
	m.mailFrom = from
	return nil
}
func (m *mockSMTPClient) Rcpt(to string) error {
	m.rcptTo = to
	return m.rcptErr
}
func (m *mockSMTPClient) Data() (io.WriteCloser, error) {
	return &mockWriteCloser{mock: m}, nil
}
func (m *mockSMTPClient) Quit() error  { m.quitCalled = true; return nil }
func (m *mockSMTPClient) Close() error { m.closeCalled = true; return nil }

type mockWriteCloser struct {
	mock *mockSMTPClient
}

func (w *mockWriteCloser) Write(p []byte) (int, error) {
	w.mock.dataWritten = append(w.mock.dataWritten, p...)
	return len(p), nil
}

func (w *mockWriteCloser) Close() error { return nil }

func newTestSender(cfg SMTPConfig, mock *mockSMTPClient) *Sender {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := NewSender(cfg, logger)
	s.dialFunc = func(_ string, _ *tls.Config, _ string) (smtpClient, error) {
		return mock, nil
	}
	return s
}

func testConfig() SMTPConfig {
	return SMTPConfig{
		Host:     "mail.example.com",
		Port:     "587",
		From:     "bridge@example.com",
		Username: "user",
		Password: "pass",
		TLS:      "starttls",
	}
}

func TestNotifyVoicemailPlainText(t *testing.T) {
	mock := &mockSMTPClient{}
	sender := newTestSender(testConfig(), mock)

	notif := Notification{
		To:         "admin@example.com",
		Mailbox:    "1002",
		Caller:     "1001",
		RecordedAt: time.Date(2026, 6, 15, 10, 30, 0, 0, time.UTC),
		Duration:   45 * time.Second,
	}

	if err := sender.NotifyVoicemail(context.Background(), notif); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !mock.helloCalled {
		t.Error("expected Hello to be called")
	}
	if !mock.tlsCalled {
		t.Error("expected StartTLS to be called")
	}
	if !mock.authCalled {
		t.Error("expected Auth to be called")
	}
	if mock.mailFrom != "bridge@example.com" {
		t.Errorf("mail from = %q", mock.mailFrom)
	}
	if mock.rcptTo != "admin@example.com" {
		t.Errorf("rcpt to = %q", mock.rcptTo)
	}
	if !mock.quitCalled {
		t.Error("expected Quit to be called")
	}

	body := string(mock.dataWritten)
	for _, want := range []string{
		"Subject: New voicemail from 1001",
		"extension 1002",
		"Duration: 45s",
		"Content-Type: text/plain",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("message missing %q", want)
		}
	}
	if strings.Contains(body, "multipart/mixed") {
		t.Error("plain notification should not be multipart")
	}
}

func TestNotifyVoicemailWithAttachment(t *testing.T) {
	mock := &mockSMTPClient{}
	sender := newTestSender(testConfig(), mock)

	mediaFile := filepath.Join(t.TempDir(), "msg.mp4")
	if err := os.WriteFile(mediaFile, []byte("fake media bytes"), 0640); err != nil {
		t.Fatalf("write media: %v", err)
	}

	notif := Notification{
		To:          "admin@example.com",
		Mailbox:     "1002",
		Caller:      "sip:alice@example.com",
		RecordedAt:  time.Now(),
		Duration:    2*time.Minute + 15*time.Second,
		MediaFile:   mediaFile,
		AttachMedia: true,
	}

	if err := sender.NotifyVoicemail(context.Background(), notif); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := string(mock.dataWritten)
	for _, want := range []string{
		"multipart/mixed",
		"Duration: 2m 15s",
		`filename="msg.mp4"`,
		"Content-Transfer-Encoding: base64",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestNotifyVoicemailAttachmentFileMissing(t *testing.T) {
	mock := &mockSMTPClient{}
	sender := newTestSender(testConfig(), mock)

	notif := Notification{
		To:          "admin@example.com",
		Mailbox:     "1002",
		Caller:      "1001",
		RecordedAt:  time.Now(),
		MediaFile:   "/nonexistent/msg.mp4",
		AttachMedia: true,
	}

	if err := sender.NotifyVoicemail(context.Background(), notif); err == nil {
		t.Fatal("expected error for missing media file")
	}
}

func TestNotifyVoicemailNotConfigured(t *testing.T) {
	mock := &mockSMTPClient{}
	sender := newTestSender(SMTPConfig{}, mock)

	err := sender.NotifyVoicemail(context.Background(), Notification{To: "admin@example.com"})
	if err == nil || !strings.Contains(err.Error(), "smtp not configured") {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNotifyVoicemailNoRecipient(t *testing.T) {
	mock := &mockSMTPClient{}
	sender := newTestSender(testConfig(), mock)

	err := sender.NotifyVoicemail(context.Background(), Notification{Mailbox: "1002"})
	if err == nil || !strings.Contains(err.Error(), "no recipient") {
		t.Fatalf("expected recipient error, got %v", err)
	}
}

func TestNoAuthWhenNoCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.Username = ""
	cfg.Password = ""
	mock := &mockSMTPClient{}
	sender := newTestSender(cfg, mock)

	notif := Notification{To: "admin@example.com", Mailbox: "1002", Caller: "1001", RecordedAt: time.Now()}
	if err := sender.NotifyVoicemail(context.Background(), notif); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.authCalled {
		t.Error("Auth should not be called without credentials")
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{60 * time.Second, "1m"},
		{135 * time.Second, "2m 15s"},
	}
	for _, tc := range cases {
		if got := formatDuration(tc.in); got != tc.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
