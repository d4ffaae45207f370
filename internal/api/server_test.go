package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/benaskins/coffer/internal/channel"
	"github.com/benaskins/coffer/internal/keychain"
	"github.com/benaskins/coffer/internal/logbuf"
	"github.com/benaskins/coffer/internal/metrics"
	"github.com/benaskins/coffer/internal/securestore"
)

func setupTestServer(t *testing.T) (*Server, *http.Client, string) {
	t.Helper()

	m := metrics.New()
	h := channel.NewHandler(securestore.New(keychain.NewMemoryBackend()), channel.Config{Masked: true}, m)
	srv := NewServer(h, m)

	// Keep the path short: Unix socket paths are limited to ~104 bytes.
	dir, err := os.MkdirTemp("", "coffer")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	sockPath := filepath.Join(dir, "test.sock")

	go srv.ListenUnix(sockPath)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	for i := 0; i < 50; i++ {
		if c, err := net.Dial("unix", sockPath); err == nil {
			c.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", sockPath)
			},
		},
	}

	return srv, client, sockPath
}

func rpcCall(t *testing.T, client *http.Client, body string) (*http.Response, Response) {
	t.Helper()
	resp, err := client.Post("http://coffer/rpc", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /rpc: %v", err)
	}
	defer resp.Body.Close()

	var out Response
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp, out
}

func TestHealthEndpoint(t *testing.T) {
	_, client, _ := setupTestServer(t)

	resp, err := client.Get("http://coffer/v1/health")
	if err != nil {
		t.Fatalf("GET /v1/health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("expected X-Request-Id header")
	}

	var result map[string]string
	json.NewDecoder(resp.Body).Decode(&result)
	if result["status"] != "ok" {
		t.Errorf("expected status ok, got %q", result["status"])
	}
}

func TestSocketIsPrivate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no unix permissions on windows")
	}
	_, _, sockPath := setupTestServer(t)

	info, err := os.Stat(sockPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		t.Errorf("expected owner-only socket, got %o", perm)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	_, client, _ := setupTestServer(t)

	_, out := rpcCall(t, client, `{"jsonrpc":"2.0","id":1,"method":"write","params":{"key":"token","value":"abc123","options":{"groupId":"g1"}}}`)
	if out.Error != nil {
		t.Fatalf("write error: %+v", out.Error)
	}
	if string(out.Result) != "null" {
		t.Errorf("expected null result, got %s", out.Result)
	}

	_, out = rpcCall(t, client, `{"jsonrpc":"2.0","id":"r2","method":"read","params":{"key":"token","options":{"groupId":"g1"}}}`)
	if string(out.Result) != `"abc123"` {
		t.Errorf("expected \"abc123\", got %s", out.Result)
	}
	if out.ID != "r2" {
		t.Errorf("expected id r2 echoed, got %v", out.ID)
	}

	_, out = rpcCall(t, client, `{"jsonrpc":"2.0","id":3,"method":"read","params":{"key":"token","options":{"groupId":"g2"}}}`)
	if string(out.Result) != "null" {
		t.Errorf("expected null from other namespace, got %s", out.Result)
	}

	_, out = rpcCall(t, client, `{"jsonrpc":"2.0","id":4,"method":"readAll","params":{"options":{"groupId":"g1"}}}`)
	var all map[string]string
	json.Unmarshal(out.Result, &all)
	if all["token"] != "abc123" || len(all) != 1 {
		t.Errorf("unexpected readAll result %s", out.Result)
	}
}

func TestInvalidArgumentResponse(t *testing.T) {
	_, client, _ := setupTestServer(t)

	_, out := rpcCall(t, client, `{"jsonrpc":"2.0","id":1,"method":"write","params":{"value":"v"}}`)
	if out.Error == nil {
		t.Fatal("expected error")
	}
	if out.Error.Code != channel.CodeInvalidArgument {
		t.Errorf("expected code %d, got %d", channel.CodeInvalidArgument, out.Error.Code)
	}
	if out.Error.Data != "InvalidArgument" {
		t.Errorf("expected InvalidArgument, got %q", out.Error.Data)
	}
	if out.Result != nil {
		t.Errorf("expected no result alongside error, got %s", out.Result)
	}
}

func TestProtocolErrors(t *testing.T) {
	_, client, _ := setupTestServer(t)

	tests := []struct {
		body string
		code int64
	}{
		{`not json`, -32700},
		{`{"jsonrpc":"1.0","id":1,"method":"read"}`, -32600},
		{`{"jsonrpc":"2.0","id":{"x":1},"method":"read"}`, -32600},
		{`{"jsonrpc":"2.0","id":1,"method":"wipe","params":{}}`, channel.CodeMethodNotFound},
	}
	for _, tt := range tests {
		_, out := rpcCall(t, client, tt.body)
		if out.Error == nil || out.Error.Code != tt.code {
			t.Errorf("%s: expected code %d, got %+v", tt.body, tt.code, out.Error)
		}
	}
}

func TestNotificationHasNoBody(t *testing.T) {
	_, client, _ := setupTestServer(t)

	resp, err := client.Post("http://coffer/rpc", "application/json",
		bytes.NewBufferString(`{"jsonrpc":"2.0","method":"write","params":{"key":"k","value":"v"}}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}

	_, out := rpcCall(t, client, `{"jsonrpc":"2.0","id":1,"method":"read","params":{"key":"k"}}`)
	if string(out.Result) != `"v"` {
		t.Errorf("notification write should still apply, got %s", out.Result)
	}
}

func TestRateLimit(t *testing.T) {
	srv, client, _ := setupTestServer(t)
	srv.SetRateLimit(0.001, 1)

	first, err := client.Get("http://coffer/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	first.Body.Close()

	second, err := client.Get("http://coffer/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", second.StatusCode)
	}

	srv.SetRateLimit(0, 0)
	third, err := client.Get("http://coffer/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	third.Body.Close()
	if third.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with limiting disabled, got %d", third.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, client, _ := setupTestServer(t)

	rpcCall(t, client, `{"jsonrpc":"2.0","id":1,"method":"read","params":{"key":"k"}}`)

	resp, err := client.Get("http://coffer/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `coffer_channel_calls_total{method="read",outcome="ok"} 1`) {
		t.Errorf("expected read counter in metrics, got:\n%s", body)
	}
}

func TestAuditTail(t *testing.T) {
	srv, client, _ := setupTestServer(t)

	resp, err := client.Get("http://coffer/v1/audit")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 without a tail, got %d", resp.StatusCode)
	}

	ring := logbuf.New(10)
	ring.Write([]byte(`{"action":"entry_write","key":"a"}` + "\n" + `{"action":"entry_read","key":"a"}` + "\n"))
	srv.SetAuditTail(ring)

	resp, err = client.Get("http://coffer/v1/audit?n=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out AuditResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(out.Records))
	}
	if !bytes.Contains(out.Records[0], []byte(`"entry_read"`)) {
		t.Errorf("expected newest record, got %s", out.Records[0])
	}

	resp2, err := client.Get("http://coffer/v1/audit?n=abc")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad n, got %d", resp2.StatusCode)
	}
}

func TestListenTCPRefusesNonLoopback(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	if err := srv.ListenTCP("0.0.0.0:0"); err == nil {
		t.Fatal("expected wildcard address to be refused")
	}
}

func TestListenTCPLoopback(t *testing.T) {
	h := channel.NewHandler(securestore.New(keychain.NewMemoryBackend()), channel.Config{}, nil)
	srv := NewServer(h, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenTCP(addr) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/v1/health")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET health over TCP: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	srv.Shutdown(context.Background())
	if err := <-errCh; err != nil {
		t.Errorf("ListenTCP returned %v", err)
	}
}
