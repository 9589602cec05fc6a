package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"clinicguard/internal/waf"
)

type scanResult struct {
	Matched      bool     `json:"matched"`
	Blocked      bool     `json:"blocked"`
	Scanner      bool     `json:"scanner"`
	Categories   []string `json:"categories,omitempty"`
	RuleIDs      []string `json:"rule_ids,omitempty"`
	ScannerRule  string   `json:"scanner_rule,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	InspectError string   `json:"inspect_error,omitempty"`
}

func newScanCommand(rt *runtimeState) *cobra.Command {
	var (
		method      string
		path        string
		userAgent   string
		contentType string
	)
	cmd := &cobra.Command{
		Use:   "scan [payload]",
		Short: "Classify a request payload with the configured rules",
		Long: "Builds a request from the payload (argument or stdin) and runs it through the rule engine.\n" +
			"Exits with status 2 when any rule or the scanner user agent check matches.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload string
			if len(args) == 1 {
				payload = args[0]
			} else {
				raw, err := io.ReadAll(rt.in)
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				payload = string(raw)
			}

			engine, err := waf.New(wafConfig(rt.cfg.WAF))
			if err != nil {
				return fmt.Errorf("waf: %w", err)
			}

			method = strings.ToUpper(method)
			var req *http.Request
			if method == http.MethodGet || method == http.MethodHead {
				target := path
				if payload != "" {
					sep := "?"
					if strings.Contains(target, "?") {
						sep = "&"
					}
					target += sep + "q=" + url.QueryEscape(strings.TrimSpace(payload))
				}
				req = httptest.NewRequest(method, target, nil)
			} else {
				req = httptest.NewRequest(method, path, strings.NewReader(payload))
				req.Header.Set("Content-Type", contentType)
			}
			if userAgent != "" {
				req.Header.Set("User-Agent", userAgent)
			}

			res := scanResult{}
			if id, ok := engine.ScannerAgent(userAgent); ok {
				res.Scanner = true
				res.ScannerRule = id
				res.Blocked = engine.Mode() == "block"
			}
			d, err := engine.Inspect(req)
			if err != nil {
				res.InspectError = err.Error()
			}
			res.Matched = d.Matched || res.Scanner
			res.Blocked = res.Blocked || d.Blocked
			res.Categories = d.Categories
			res.RuleIDs = d.RuleIDs
			res.Reason = d.Reason

			enc := json.NewEncoder(rt.out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if res.Matched {
				return ExitError{Code: 2}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", http.MethodPost, "request method; GET and HEAD send the payload as the q query parameter")
	cmd.Flags().StringVar(&path, "path", "/api/scan", "request path including any query string")
	cmd.Flags().StringVar(&userAgent, "user-agent", "", "User-Agent header to check")
	cmd.Flags().StringVar(&contentType, "content-type", "application/json", "body content type")
	return cmd
}
