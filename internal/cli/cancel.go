package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel an execution running in a reqforge server",
	Long: `Cancel asks a running "reqforge serve" to stop an execution between
actions. Foreground runs started with "reqforge run" are cancelled with Ctrl-C.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		endpoint := strings.TrimRight(server, "/") + "/executions/" + url.PathEscape(args[0]) + "/cancel"

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("contact server: %w", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode >= 300 {
			var env struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
				return fmt.Errorf("cancel %s: %s (HTTP %d)", args[0], env.Error.Message, resp.StatusCode)
			}
			return fmt.Errorf("cancel %s: HTTP %d", args[0], resp.StatusCode)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s\n", args[0])
		return nil
	},
}

func init() {
	cancelCmd.Flags().String("server", "http://localhost:8080", "base URL of the reqforge server")
}
