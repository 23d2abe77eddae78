package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/matheus3301/wutzup/internal/api"
	"github.com/matheus3301/wutzup/internal/profile"
	"github.com/spf13/cobra"
)

const requestTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "wutzupctl",
		Short:        "Control a running wutzup daemon",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("profile", "", "profile name (overrides config default)")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		newStatusCmd(),
		newSendCmd(),
		newQueueCmd(),
		newAppCmd(),
		newConvCmd(),
		newSearchCmd(),
		newWatchCmd(),
	)
	return cmd
}

// dial connects to the daemon of the selected profile.
func dial(cmd *cobra.Command) (*api.Client, error) {
	flagProfile, _ := cmd.Flags().GetString("profile")
	name := profile.Resolve(flagProfile)
	if err := profile.ValidateName(name); err != nil {
		return nil, err
	}
	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	return c, nil
}

// call runs one unary request and prints the result with human.
func call(cmd *cobra.Command, method string, req map[string]any, human func(map[string]any)) error {
	c, err := dial(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	resp, err := c.Call(ctx, method, req)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON || human == nil {
		return outputJSON(cmd, resp)
	}
	human(resp)
	return nil
}

func outputJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
