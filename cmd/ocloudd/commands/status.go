package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ocloudd/ocloudd/pkg/config"
	"github.com/ocloudd/ocloudd/pkg/core"
	"github.com/ocloudd/ocloudd/pkg/inventory"
	"github.com/ocloudd/ocloudd/pkg/stores"
	"github.com/ocloudd/ocloudd/pkg/telemetry"
)

// discardPublisher is used by read-only commands that never emit events.
type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, *core.Event) error { return nil }

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show aggregate counts from the engine database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context())
		},
	}
}

func runStatus(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level: "error", Format: "console", Output: "stderr",
	})
	if err != nil {
		return err
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	catalog := inventory.NewCatalog(store, discardPublisher{}, logger, cfg.OCloudID)
	summary, err := catalog.StatusSummary(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	fmt.Printf("O-Cloud:        %s\n", summary.OCloudID)
	fmt.Printf("Resource pools: %d\n", summary.Pools)
	fmt.Printf("Resources:      %d\n", summary.Resources)
	fmt.Printf("Active alarms:  %d\n", summary.ActiveAlarms)
	fmt.Println("Deployments:")
	for _, status := range []core.DeploymentStatus{
		core.DeploymentPending, core.DeploymentDeploying, core.DeploymentRunning,
		core.DeploymentStopping, core.DeploymentStopped, core.DeploymentFailed,
	} {
		if n := summary.Deployments[status]; n > 0 {
			fmt.Printf("  %-10s %d\n", status, n)
		}
	}
	return nil
}
