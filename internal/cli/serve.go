package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/reqforge/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start a JSON API for starting, inspecting and cancelling executions.
Executions started over HTTP run in the background; SIGINT or SIGTERM stops
the server and cancels whatever is still running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		// Concurrent executions would interleave progress lines.
		a.orch.Engine().SetProgress(nil)

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = a.cfg.Server.Addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		web.Version = version
		return web.NewServer(a.orch, a.db, addr).Start(ctx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default server.addr from config)")
}
