package ami

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"maskedcall/internal/config"
)

// fakeAMIServer is a hand-rolled AMI server fake over a real loopback TCP
// socket: it sends the banner, authenticates any Login whose Secret equals
// wantSecret, and otherwise echoes a scripted Response for each Action it
// sees.
type fakeAMIServer struct {
	ln         net.Listener
	wantSecret string
	respond    func(action map[string]string) string // returns a full packet body incl. blank-line terminator
}

func startFakeAMIServer(t *testing.T, wantSecret string, respond func(map[string]string) string) (*fakeAMIServer, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting fake AMI server: %v", err)
	}
	srv := &fakeAMIServer{ln: ln, wantSecret: wantSecret, respond: respond}
	go srv.serve(t)

	port := ln.Addr().(*net.TCPAddr).Port
	return srv, port
}

func (s *fakeAMIServer) close() { s.ln.Close() }

func (s *fakeAMIServer) serve(t *testing.T) {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	fmt.Fprintf(conn, "Asterisk Call Manager/2.10.3\r\n")

	reader := bufio.NewReader(conn)
	for {
		action, err := readPacket(reader)
		if err != nil {
			return
		}

		if action["Action"] == "Login" {
			if action["Secret"] == s.wantSecret {
				fmt.Fprintf(conn, "Response: Success\r\nActionID: %s\r\nMessage: Authentication accepted\r\n\r\n", action["ActionID"])
			} else {
				fmt.Fprintf(conn, "Response: Error\r\nActionID: %s\r\nMessage: Authentication failed\r\n\r\n", action["ActionID"])
				return
			}
			continue
		}

		if action["Action"] == "Logoff" {
			return
		}

		if s.respond != nil {
			fmt.Fprint(conn, s.respond(action))
		}
	}
}

func readPacket(r *bufio.Reader) (map[string]string, error) {
	fields := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return fields, nil
		}
		parts := strings.SplitN(line, ": ", 2)
		if len(parts) == 2 {
			fields[parts[0]] = parts[1]
		}
	}
}

func testConfig(port int) *config.AMIConfig {
	return &config.AMIConfig{
		Host:              "127.0.0.1",
		Port:              port,
		Username:          "admin",
		Secret:            "s3cr3t ", // trailing space: byte-exact transmission is an invariant
		ReconnectInterval: 1,
		ActionTimeoutMS:   500,
	}
}

func TestConnectAuthenticatesByteExactSecret(t *testing.T) {
	srv, port := startFakeAMIServer(t, "s3cr3t ", nil)
	defer srv.close()

	client := NewClient(testConfig(port))
	if err := client.Connect(); err != nil {
		t.Fatalf("expected Connect to succeed with matching byte-exact secret, got: %v", err)
	}
	defer client.Close()
}

func TestConnectAuthFailedOnMismatch(t *testing.T) {
	srv, port := startFakeAMIServer(t, "different-secret", nil)
	defer srv.close()

	cfg := testConfig(port)
	client := NewClient(cfg)
	err := client.Connect()
	if err == nil {
		t.Fatalf("expected Connect to fail on secret mismatch")
	}
	if !strings.Contains(err.Error(), "AUTH_FAILED") {
		t.Fatalf("expected AUTH_FAILED in error, got: %v", err)
	}
}

func TestConnectWithMissingCredentialsReturnsConfigIncompleteWithoutDialing(t *testing.T) {
	cfg := &config.AMIConfig{Host: "127.0.0.1", Port: 1, ActionTimeoutMS: 500}
	client := NewClient(cfg)

	err := client.Connect()
	if err == nil || !strings.Contains(err.Error(), "CONFIG_INCOMPLETE") {
		t.Fatalf("expected CONFIG_INCOMPLETE, got: %v", err)
	}
	if client.conn != nil {
		t.Fatalf("expected no socket to be opened when credentials are incomplete")
	}
}

func TestSendActionRoundTrip(t *testing.T) {
	srv, port := startFakeAMIServer(t, "s3cr3t ", func(action map[string]string) string {
		return fmt.Sprintf("Response: Success\r\nActionID: %s\r\nMessage: Pong\r\n\r\n", action["ActionID"])
	})
	defer srv.close()

	client := NewClient(testConfig(port))
	if err := client.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	resp, err := client.Ping()
	if err != nil {
		t.Fatalf("expected Ping to succeed, got: %v", err)
	}
	if resp.Get("Response") != "Success" {
		t.Fatalf("expected Response: Success, got %q", resp.Get("Response"))
	}
}

func TestSendActionTimesOutWithoutResponse(t *testing.T) {
	srv, port := startFakeAMIServer(t, "s3cr3t ", func(action map[string]string) string {
		return "" // never respond, forcing the correlator's timeout path
	})
	defer srv.close()

	cfg := testConfig(port)
	cfg.ActionTimeoutMS = 50
	client := NewClient(cfg)
	if err := client.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	start := time.Now()
	_, err := client.Ping()
	if err == nil {
		t.Fatalf("expected ACTION_TIMEOUT error")
	}
	if !strings.Contains(err.Error(), "ACTION_TIMEOUT") {
		t.Fatalf("expected ACTION_TIMEOUT in error, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Duration(cfg.ActionTimeoutMS)*time.Millisecond {
		t.Fatalf("expected to block for roughly the action timeout, only waited %v", elapsed)
	}
}

func TestOriginateCarriesVariablesAndActionID(t *testing.T) {
	var seen map[string]string
	srv, port := startFakeAMIServer(t, "s3cr3t ", func(action map[string]string) string {
		seen = action
		return fmt.Sprintf("Response: Success\r\nActionID: %s\r\n\r\n", action["ActionID"])
	})
	defer srv.close()

	client := NewClient(testConfig(port))
	if err := client.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	actionID := NewActionID()
	_, err := client.Originate(actionID, OriginateParams{
		Channel:   "SIP/trunk1/09140916320",
		Context:   "securebridge-control",
		Extension: "s",
		Priority:  1,
		CallerID:  "09140916320",
		Timeout:   30000,
		Async:     true,
	})
	if err != nil {
		t.Fatalf("expected Originate to succeed, got: %v", err)
	}
	if seen["Channel"] != "SIP/trunk1/09140916320" {
		t.Fatalf("expected Channel header to be carried verbatim, got %q", seen["Channel"])
	}
	if seen["ActionID"] != actionID {
		t.Fatalf("expected caller-supplied ActionID to be used on the wire, got %q", seen["ActionID"])
	}
	if seen["Context"] != "securebridge-control" {
		t.Fatalf("expected Context header, got %q", seen["Context"])
	}
}
