package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"outray/internal/client"
	"outray/internal/client/cli/ui"
	"outray/internal/shared/constants"
)

func newHTTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "http <port>",
		Short: "Tunnel a local HTTP port to a public URL",
		Long: `Open a tunnel from a public subdomain to a local HTTP service.

Examples:
  outray http 3000
  outray http 3000 --subdomain myapp
  outray http 3000 --subdomain myapp --takeover`,
		Args: cobra.ExactArgs(1),
		RunE: runHTTP,
	}

	cmd.Flags().String("server", defaultServerURL(), "relay control endpoint")
	cmd.Flags().String("subdomain", "", "requested subdomain (random if empty)")
	cmd.Flags().String("custom-domain", "", "custom domain to route to this tunnel")
	cmd.Flags().String("api-key", "", "API key (or OUTRAY_API_KEY)")
	cmd.Flags().String("local-host", "localhost", "local host to forward to")
	cmd.Flags().Bool("takeover", false, "displace an existing session holding the subdomain")
	return cmd
}

func runHTTP(cmd *cobra.Command, args []string) error {
	port, err := strconv.Atoi(args[0])
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %q", args[0])
	}

	level, _ := cmd.Root().PersistentFlags().GetString("log-level")
	logger, err := newLogger(level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	apiKey, _ := cmd.Flags().GetString("api-key")
	if apiKey == "" {
		apiKey = os.Getenv("OUTRAY_API_KEY")
	}
	serverURL, _ := cmd.Flags().GetString("server")
	subdomain, _ := cmd.Flags().GetString("subdomain")
	customDomain, _ := cmd.Flags().GetString("custom-domain")
	localHost, _ := cmd.Flags().GetString("local-host")
	takeover, _ := cmd.Flags().GetBool("takeover")

	localAddr := net.JoinHostPort(localHost, strconv.Itoa(port))

	c, err := client.New(client.Options{
		ServerURL:    serverURL,
		LocalHost:    localHost,
		LocalPort:    port,
		APIKey:       apiKey,
		Subdomain:    subdomain,
		CustomDomain: customDomain,
		Prompter:     conflictPrompter(takeover),
		Logger:       logger,
		Events: client.Events{
			Opened: func(tunnelID, url string) {
				ui.Banner(url, tunnelID, localAddr)
			},
			Reconnecting: ui.Reconnecting,
			Request:      ui.RequestLine,
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()

	if err := c.Run(ctx); err != nil {
		switch {
		case errors.Is(err, client.ErrAuthFailed), errors.Is(err, client.ErrLimitExceeded):
			ui.Errorf("%v", err)
		case errors.Is(err, client.ErrDisplaced):
			ui.Errorf("your tunnel was taken over by another client")
		case errors.Is(err, client.ErrAborted):
			return nil
		default:
			ui.Errorf("%v", err)
		}
		return err
	}
	return nil
}

// conflictPrompter returns the resolution policy for a taken subdomain.
// With --takeover the conflict is resolved without asking.
func conflictPrompter(takeover bool) client.ConflictPrompter {
	if takeover {
		return takeoverPrompter{}
	}
	return &ui.ConflictPrompt{In: os.Stdin, Out: os.Stdout}
}

type takeoverPrompter struct{}

func (takeoverPrompter) Resolve(string) (client.ConflictChoice, error) {
	return client.ConflictTakeover, nil
}

func defaultServerURL() string {
	if v := os.Getenv("OUTRAY_SERVER_URL"); v != "" {
		return v
	}
	return fmt.Sprintf("wss://%s/_tunnel/ws", constants.DefaultBaseDomain)
}
