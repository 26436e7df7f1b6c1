package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/sakif/vsphere-runner/internal/config"
	"github.com/sakif/vsphere-runner/internal/session"
)

// The sessions command talks to a running daemon: sessions are live
// interpreter processes owned by serve, so there is nothing to list locally.

var (
	sessionsAddr  string
	sessionsToken string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect vCenter sessions on a running daemon",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active vCenter sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := sessionsAddr
		if addr == "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			addr = fmt.Sprintf("http://127.0.0.1:%d", cfg.Listen.Port)
		}

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, addr+"/api/sessions", nil)
		if err != nil {
			return err
		}
		if sessionsToken != "" {
			req.Header.Set("Authorization", "Bearer "+sessionsToken)
		}

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("reaching daemon at %s: %w", addr, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("daemon returned %s: %s", resp.Status, string(body))
		}

		var infos []session.Info
		if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}

		if len(infos) == 0 {
			fmt.Println("no active sessions")
			return nil
		}
		for _, info := range infos {
			fmt.Printf("%s  %s@%s  created %s  last activity %s\n",
				info.ID, info.Username, info.Server,
				info.CreatedAt.Format(time.RFC3339),
				info.LastActivity.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	sessionsCmd.PersistentFlags().StringVar(&sessionsAddr, "addr", "", "daemon base URL (default from config listen port)")
	sessionsCmd.PersistentFlags().StringVar(&sessionsToken, "token", "", "bearer token from POST /auth/token")
	sessionsCmd.AddCommand(sessionsListCmd)
}
