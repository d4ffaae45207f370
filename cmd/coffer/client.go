package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/coffer/internal/api"
	"github.com/benaskins/coffer/internal/audit"
)

func apiClient(socketPath string) *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func apiGet(socketPath, path string, v any) error {
	resp, err := apiClient(socketPath).Get("http://coffer" + path)
	if err != nil {
		return fmt.Errorf("connecting to server: %w (is coffer serve running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		var health map[string]string
		if err := apiGet(cfg.SocketPath(), "/v1/health", &health); err != nil {
			return err
		}
		fmt.Printf("%s server %s on %s\n", okStyle.Render("✓"), health["status"], cfg.SocketPath())
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit records",
	Long:  "Show recent audit records from the running server, or from the audit log file when no server is running.",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		var records []json.RawMessage
		var resp api.AuditResponse
		if err := apiGet(cfg.SocketPath(), fmt.Sprintf("/v1/audit?n=%d", n), &resp); err == nil {
			records = resp.Records
		} else {
			records, err = tailFile(cfg.AuditLogPath(), n)
			if err != nil {
				return err
			}
		}

		if len(records) == 0 {
			fmt.Println("No audit records")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTION\tSCOPE\tKEY\tACTOR\tERROR")
		for _, raw := range records {
			var e audit.Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s.%s\t%s\t%s\t%s\n",
				e.Timestamp.Local().Format(time.DateTime), e.Action, e.Namespace, e.Accessibility,
				e.Key, e.Actor, e.Error)
		}
		return w.Flush()
	},
}

// tailFile returns the last n records of the audit log.
func tailFile(path string, n int) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	var records []json.RawMessage
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		records = append(records, json.RawMessage(append([]byte(nil), line...)))
		if n > 0 && len(records) > n {
			records = records[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	return records, nil
}

func init() {
	auditCmd.Flags().IntP("lines", "n", 50, "Number of records to show")
	rootCmd.AddCommand(statusCmd, auditCmd)
}
