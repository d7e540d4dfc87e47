package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/smtp-sink-lite/internal/policy"
	sinktls "github.com/shineum/smtp-sink-lite/internal/tls"
)

// mockPublisher implements Publisher and records every publish call.
type mockPublisher struct {
	mu        sync.Mutex
	published map[string][]string
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{published: make(map[string][]string)}
}

func (p *mockPublisher) Publish(address string, payload []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[address] = append(p.published[address], string(payload))
	return len(p.published[address])
}

func (p *mockPublisher) got(address string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.published[address]))
	copy(out, p.published[address])
	return out
}

// connPair creates a connected pair of net.Conn for testing sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// startSession runs a session for the given policy entry on a fresh conn
// pair and returns the client side plus the publisher behind it.
func startSession(t *testing.T, entry policy.Entry, tlsConfig *tls.Config) (net.Conn, *mockPublisher) {
	t.Helper()

	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	pub := newMockPublisher()
	auth := NewAuthenticator(entry.Auth, "little", "non-secret")
	sess := NewSession(server, entry, auth, pub, "mail.test.com", tlsConfig, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	go sess.Handle(ctx)
	return client, pub
}

// readLine reads one response line from the session.
func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// readEHLO reads a multi-line EHLO response and returns all lines.
func readEHLO(t *testing.T, reader *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line := readLine(t, reader)
		lines = append(lines, line)
		if len(line) >= 4 && line[3] == ' ' {
			return lines
		}
	}
}

// sendCmd sends a command line to the session.
func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

func hasLine(lines []string, want string) bool {
	for _, line := range lines {
		if line == want {
			return true
		}
	}
	return false
}

func TestSession_Greeting(t *testing.T) {
	t.Parallel()

	client, _ := startSession(t, policy.Entry{Auth: policy.AuthNone, TLS: policy.TLSNone}, nil)
	reader := bufio.NewReader(client)

	greeting := readLine(t, reader)
	if !strings.HasPrefix(greeting, "220 ") {
		t.Errorf("greeting: got %q, want prefix '220 '", greeting)
	}
	if !strings.Contains(greeting, "mail.test.com") {
		t.Errorf("greeting should contain hostname, got %q", greeting)
	}
}

func TestSession_EHLOAdvertisesPerPolicy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		entry    policy.Entry
		wantAuth string
		tlsLine  bool
	}{
		{"no auth no tls", policy.Entry{Auth: policy.AuthNone, TLS: policy.TLSNone}, "", false},
		{"require plain", policy.Entry{Auth: policy.AuthRequirePlain, TLS: policy.TLSNone}, "250-AUTH PLAIN", false},
		{"require login", policy.Entry{Auth: policy.AuthRequireLogin, TLS: policy.TLSNone}, "250-AUTH LOGIN", false},
		{"require any", policy.Entry{Auth: policy.AuthRequireAny, TLS: policy.TLSNone}, "250-AUTH PLAIN LOGIN", false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			client, _ := startSession(t, c.entry, nil)
			reader := bufio.NewReader(client)
			readLine(t, reader) // greeting

			sendCmd(t, client, "EHLO client.test.com")
			lines := readEHLO(t, reader)

			if c.wantAuth == "" {
				for _, line := range lines {
					if strings.Contains(line, "AUTH") {
						t.Errorf("auth none must not advertise AUTH, got %q", line)
					}
				}
			} else if !hasLine(lines, c.wantAuth) {
				t.Errorf("EHLO should contain %q, got %v", c.wantAuth, lines)
			}

			if !c.tlsLine && hasLine(lines, "250-STARTTLS") {
				t.Errorf("plaintext listener must not advertise STARTTLS: %v", lines)
			}
		})
	}
}

func TestSession_AuthNotAvailableWithoutPolicy(t *testing.T) {
	t.Parallel()

	client, _ := startSession(t, policy.Entry{Auth: policy.AuthNone, TLS: policy.TLSNone}, nil)
	reader := bufio.NewReader(client)
	readLine(t, reader)

	sendCmd(t, client, "EHLO c")
	readEHLO(t, reader)

	sendCmd(t, client, "AUTH PLAIN "+plainResponse("little", "non-secret"))
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "503 ") {
		t.Errorf("AUTH on no-auth listener: got %q, want 503", resp)
	}
}

func TestSession_AuthBeforeGreeting(t *testing.T) {
	t.Parallel()

	client, _ := startSession(t, policy.Entry{Auth: policy.AuthRequireAny, TLS: policy.TLSNone}, nil)
	reader := bufio.NewReader(client)
	readLine(t, reader)

	sendCmd(t, client, "AUTH PLAIN "+plainResponse("little", "non-secret"))
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "503 ") {
		t.Errorf("AUTH before EHLO: got %q, want 503", resp)
	}
}

func TestSession_RequirePlainEnforcement(t *testing.T) {
	t.Parallel()

	entry := policy.Entry{Auth: policy.AuthRequirePlain, TLS: policy.TLSNone}
	client, pub := startSession(t, entry, nil)
	reader := bufio.NewReader(client)
	readLine(t, reader)

	sendCmd(t, client, "EHLO client.test.com")
	readEHLO(t, reader)

	// Unauthenticated MAIL is refused.
	sendCmd(t, client, "MAIL FROM:<from@l.co>")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "530 ") {
		t.Errorf("MAIL without auth: got %q, want 530", resp)
	}

	// The LOGIN mechanism is not allowed by this policy.
	sendCmd(t, client, "AUTH LOGIN")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "504 ") {
		t.Errorf("AUTH LOGIN under require_plain: got %q, want 504", resp)
	}

	// Wrong credentials are refused.
	sendCmd(t, client, "AUTH PLAIN "+plainResponse("one", "two"))
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "535 ") {
		t.Errorf("bad credentials: got %q, want 535", resp)
	}

	// PLAIN with the fixed credential is accepted, then mail flows.
	sendCmd(t, client, "AUTH PLAIN "+plainResponse("little", "non-secret"))
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "235 ") {
		t.Errorf("good credentials: got %q, want 235", resp)
	}

	sendCmd(t, client, "MAIL FROM:<from@l.co>")
	readLine(t, reader)
	sendCmd(t, client, "RCPT TO:<a@x.test>")
	readLine(t, reader)
	sendCmd(t, client, "DATA")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "354 ") {
		t.Fatalf("DATA: got %q, want 354", resp)
	}
	sendCmd(t, client, "Subject: hey")
	sendCmd(t, client, "")
	sendCmd(t, client, "authed body")
	sendCmd(t, client, ".")
	if resp := readLine(t, reader); resp != "250 Message accepted for delivery" {
		t.Errorf("DATA completion: got %q", resp)
	}

	if got := pub.got("a@x.test"); len(got) != 1 || !strings.Contains(got[0], "authed body") {
		t.Errorf("publish after auth: got %v", got)
	}
}

func TestSession_AuthLoginChallengeFlow(t *testing.T) {
	t.Parallel()

	entry := policy.Entry{Auth: policy.AuthRequireLogin, TLS: policy.TLSNone}
	client, _ := startSession(t, entry, nil)
	reader := bufio.NewReader(client)
	readLine(t, reader)

	sendCmd(t, client, "EHLO c")
	readEHLO(t, reader)

	sendCmd(t, client, "AUTH LOGIN")
	if resp := readLine(t, reader); resp != "334 VXNlcm5hbWU6" {
		t.Fatalf("username challenge: got %q", resp)
	}
	sendCmd(t, client, base64.StdEncoding.EncodeToString([]byte("someone")))
	if resp := readLine(t, reader); resp != "334 UGFzc3dvcmQ6" {
		t.Fatalf("password challenge: got %q", resp)
	}
	sendCmd(t, client, base64.StdEncoding.EncodeToString([]byte("non-secret")))
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "235 ") {
		t.Errorf("LOGIN with matching password: got %q, want 235", resp)
	}
}

func TestSession_MailFlowPublishesPerRecipient(t *testing.T) {
	t.Parallel()

	client, pub := startSession(t, policy.Entry{Auth: policy.AuthNone, TLS: policy.TLSNone}, nil)
	reader := bufio.NewReader(client)
	readLine(t, reader)

	sendCmd(t, client, "EHLO client.test.com")
	readEHLO(t, reader)

	sendCmd(t, client, "MAIL FROM:<from@l.co>")
	readLine(t, reader)
	sendCmd(t, client, "RCPT TO:<a@x.test>")
	readLine(t, reader)
	sendCmd(t, client, "RCPT TO:<b@x.test>")
	readLine(t, reader)

	sendCmd(t, client, "DATA")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "354 ") {
		t.Fatalf("DATA: got %q, want 354", resp)
	}
	sendCmd(t, client, "Subject: hello")
	sendCmd(t, client, "")
	sendCmd(t, client, "hello")
	sendCmd(t, client, "..leading dot")
	sendCmd(t, client, ".")
	if resp := readLine(t, reader); resp != "250 Message accepted for delivery" {
		t.Errorf("DATA completion: got %q", resp)
	}

	for _, addr := range []string{"a@x.test", "b@x.test"} {
		got := pub.got(addr)
		if len(got) != 1 {
			t.Fatalf("publishes for %s: got %d, want 1", addr, len(got))
		}
		if !strings.Contains(got[0], "Subject: hello") {
			t.Errorf("payload should include headers, got %q", got[0])
		}
		if !strings.Contains(got[0], "\r\n.leading dot\r\n") && !strings.Contains(got[0], "\n.leading dot") {
			t.Errorf("dot-stuffing should be undone, got %q", got[0])
		}
	}
}

func TestSession_RecipientCasePreserved(t *testing.T) {
	t.Parallel()

	client, pub := startSession(t, policy.Entry{Auth: policy.AuthNone, TLS: policy.TLSNone}, nil)
	reader := bufio.NewReader(client)
	readLine(t, reader)

	sendCmd(t, client, "EHLO c")
	readEHLO(t, reader)
	sendCmd(t, client, "MAIL FROM:<f@l.co>")
	readLine(t, reader)
	sendCmd(t, client, "RCPT TO:<MixedCase@X.Test>")
	readLine(t, reader)
	sendCmd(t, client, "DATA")
	readLine(t, reader)
	sendCmd(t, client, "x")
	sendCmd(t, client, ".")
	readLine(t, reader)

	if got := pub.got("MixedCase@X.Test"); len(got) != 1 {
		t.Errorf("recipient case must be preserved, got %v", pub.published)
	}
}

func TestSession_BadCommandKeepsConnection(t *testing.T) {
	t.Parallel()

	client, _ := startSession(t, policy.Entry{Auth: policy.AuthNone, TLS: policy.TLSNone}, nil)
	reader := bufio.NewReader(client)
	readLine(t, reader)

	sendCmd(t, client, "BOGUS")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "500 ") {
		t.Errorf("unknown command: got %q, want 500", resp)
	}

	sendCmd(t, client, "RCPT TO:<a@x.test>")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "503 ") {
		t.Errorf("out-of-phase RCPT: got %q, want 503", resp)
	}

	// The session is still alive and usable.
	sendCmd(t, client, "NOOP")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "250 ") {
		t.Errorf("NOOP after errors: got %q, want 250", resp)
	}
}

func TestSession_StartTLSNotOfferedOnPlaintextListener(t *testing.T) {
	t.Parallel()

	client, _ := startSession(t, policy.Entry{Auth: policy.AuthNone, TLS: policy.TLSNone}, nil)
	reader := bufio.NewReader(client)
	readLine(t, reader)

	sendCmd(t, client, "STARTTLS")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "454 ") {
		t.Errorf("STARTTLS on plaintext listener: got %q, want 454", resp)
	}
}

func TestSession_StartTLSUpgradeAndAuthGate(t *testing.T) {
	t.Parallel()

	tlsConfig, err := sinktls.TestConfig()
	if err != nil {
		t.Fatalf("failed to build test TLS config: %v", err)
	}

	entry := policy.Entry{Auth: policy.AuthRequireAny, TLS: policy.TLSStartTLS}
	client, _ := startSession(t, entry, tlsConfig)
	reader := bufio.NewReader(client)
	readLine(t, reader)

	sendCmd(t, client, "EHLO c")
	lines := readEHLO(t, reader)
	if !hasLine(lines, "250-STARTTLS") {
		t.Fatalf("STARTTLS should be advertised, got %v", lines)
	}
	for _, line := range lines {
		if strings.Contains(line, "AUTH") {
			t.Errorf("AUTH must not be advertised before TLS, got %q", line)
		}
	}

	// AUTH over plaintext is refused with 538.
	sendCmd(t, client, "AUTH PLAIN "+plainResponse("little", "non-secret"))
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "538 ") {
		t.Errorf("AUTH before STARTTLS: got %q, want 538", resp)
	}

	sendCmd(t, client, "STARTTLS")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "220 ") {
		t.Fatalf("STARTTLS: got %q, want 220", resp)
	}

	tlsClient := tls.Client(client, &tls.Config{InsecureSkipVerify: true})
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("client TLS handshake failed: %v", err)
	}
	reader = bufio.NewReader(tlsClient)

	sendCmd(t, tlsClient, "EHLO c")
	lines = readEHLO(t, reader)
	if hasLine(lines, "250-STARTTLS") {
		t.Errorf("STARTTLS must not be advertised after upgrade: %v", lines)
	}
	if !hasLine(lines, "250-AUTH PLAIN LOGIN") {
		t.Errorf("AUTH should be advertised after upgrade: %v", lines)
	}

	sendCmd(t, tlsClient, "AUTH PLAIN "+plainResponse("little", "non-secret"))
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "235 ") {
		t.Errorf("AUTH after upgrade: got %q, want 235", resp)
	}
}

func TestSession_RSETClearsTransaction(t *testing.T) {
	t.Parallel()

	client, _ := startSession(t, policy.Entry{Auth: policy.AuthNone, TLS: policy.TLSNone}, nil)
	reader := bufio.NewReader(client)
	readLine(t, reader)

	sendCmd(t, client, "EHLO c")
	readEHLO(t, reader)
	sendCmd(t, client, "MAIL FROM:<f@l.co>")
	readLine(t, reader)
	sendCmd(t, client, "RSET")
	readLine(t, reader)

	// The transaction is gone; RCPT needs a fresh MAIL FROM.
	sendCmd(t, client, "RCPT TO:<a@x.test>")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "503 ") {
		t.Errorf("RCPT after RSET: got %q, want 503", resp)
	}
}

func TestSession_SecondAuthRejected(t *testing.T) {
	t.Parallel()

	entry := policy.Entry{Auth: policy.AuthRequireAny, TLS: policy.TLSNone}
	client, _ := startSession(t, entry, nil)
	reader := bufio.NewReader(client)
	readLine(t, reader)

	sendCmd(t, client, "EHLO client.test.com")
	readEHLO(t, reader)

	sendCmd(t, client, "AUTH PLAIN "+plainResponse("little", "non-secret"))
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "235 ") {
		t.Fatalf("first AUTH: got %q, want 235", resp)
	}

	sendCmd(t, client, "AUTH PLAIN "+plainResponse("little", "non-secret"))
	if resp := readLine(t, reader); resp != "503 Already authenticated" {
		t.Errorf("second AUTH: got %q, want 503 Already authenticated", resp)
	}

	// The authenticated session is still usable.
	sendCmd(t, client, "MAIL FROM:<f@l.co>")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "250 ") {
		t.Errorf("MAIL after rejected re-auth: got %q, want 250", resp)
	}
}
