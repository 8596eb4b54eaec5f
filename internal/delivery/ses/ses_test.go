package ses

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/shineum/pdfzip/internal/delivery"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func newTestSink(mock *mockSESClient) *Sink {
	s := NewWithClient("sender@example.com", "me@example.com", mock)
	s.retryBase = time.Millisecond
	return s
}

func testArtifact() *delivery.Artifact {
	return &delivery.Artifact{
		Name:        "gmail-pdf-2024-06-15-13-45.zip",
		ContentType: delivery.ZipContentType,
		Data:        bytes.Repeat([]byte("PK\x03\x04 stored data "), 20),
		Entries:     2,
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	s := NewWithClient("sender@example.com", "me@example.com", &mockSESClient{})
	if got := s.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestNew_RequiresAddresses(t *testing.T) {
	t.Parallel()
	if _, err := New(context.Background(), Config{Region: "us-east-1", Sender: "a@example.com"}); err == nil {
		t.Error("expected error without recipient, got nil")
	}
}

func TestDeliver_SendsArchiveAsAttachment(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	s := newTestSink(mock)
	a := testArtifact()

	id, err := s.Deliver(context.Background(), a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "test-message-id" {
		t.Errorf("message id: got %q, want %q", id, "test-message-id")
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if input.Content.Raw == nil {
		t.Fatal("expected raw email content, got nil")
	}
	if got := input.Destination.ToAddresses; len(got) != 1 || got[0] != "me@example.com" {
		t.Errorf("ToAddresses: got %v", got)
	}

	msg, err := mail.ReadMessage(bytes.NewReader(input.Content.Raw.Data))
	if err != nil {
		t.Fatalf("parsing raw message: %v", err)
	}
	if got := msg.Header.Get("From"); got != "sender@example.com" {
		t.Errorf("From: got %q", got)
	}
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/mixed" {
		t.Fatalf("Content-Type: got %q, %v", mediaType, err)
	}

	mr := multipart.NewReader(msg.Body, params["boundary"])

	body, err := mr.NextPart()
	if err != nil {
		t.Fatalf("reading body part: %v", err)
	}
	text, _ := io.ReadAll(body)
	if !strings.Contains(string(text), "2 PDF attachment(s)") {
		t.Errorf("body text: got %q", text)
	}

	att, err := mr.NextPart()
	if err != nil {
		t.Fatalf("reading attachment part: %v", err)
	}
	if got := att.Header.Get("Content-Type"); got != "application/zip" {
		t.Errorf("attachment Content-Type: got %q", got)
	}
	if !strings.Contains(att.Header.Get("Content-Disposition"), a.Name) {
		t.Errorf("Content-Disposition: got %q", att.Header.Get("Content-Disposition"))
	}
	encoded, _ := io.ReadAll(att)
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(encoded), "\r\n", ""))
	if err != nil {
		t.Fatalf("decoding attachment: %v", err)
	}
	if !bytes.Equal(decoded, a.Data) {
		t.Error("attachment bytes differ from the archive")
	}
}

func TestDeliver_RetryOnError(t *testing.T) {
	t.Parallel()

	calls := 0
	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("transient error")
			}
			return &sesv2.SendEmailOutput{MessageId: aws.String("ok")}, nil
		},
	}

	if _, err := newTestSink(mock).Deliver(context.Background(), testArtifact()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.callCount != 3 {
		t.Errorf("call count: got %d, want 3", mock.callCount)
	}
}

func TestDeliver_AllRetriesExhausted(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("persistent error")
		},
	}

	_, err := newTestSink(mock).Deliver(context.Background(), testArtifact())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "persistent error") {
		t.Errorf("error should wrap the last failure, got %q", err.Error())
	}
	if mock.callCount != maxRetries+1 {
		t.Errorf("call count: got %d, want %d", mock.callCount, maxRetries+1)
	}
}

func TestDeliver_ContextCancelled(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("error")
		},
	}
	s := NewWithClient("sender@example.com", "me@example.com", mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Deliver(ctx, testArtifact())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
}

func TestEncodeBase64WithLineBreaks(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0xAB}, 200)
	encoded := encodeBase64WithLineBreaks(data)

	for i, line := range strings.Split(encoded, "\r\n") {
		if len(line) > 76 {
			t.Errorf("line %d: length %d exceeds 76", i, len(line))
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	s := NewWithClient("a", "b", &mockSESClient{})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	}
	for _, tt := range tests {
		if got := s.backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d): got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
