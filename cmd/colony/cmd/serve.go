package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"

	"github.com/mulgadc/colony/colony/actor"
	"github.com/mulgadc/colony/colony/config"
	"github.com/mulgadc/colony/colony/connection"
	"github.com/mulgadc/colony/colony/manager"
	"github.com/mulgadc/colony/colony/persistence"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"
)

// serveCmd represents the serve command: it brings up the persistence
// layer, the Manager, and the HTTP/WebSocket gateway, and blocks until the
// process is killed. Grounded on cmd/hive/cmd/daemon.go's RunE shape
// (the --base-dir/--gateway-host/--dev flags, or their COLONY_* environment
// variables, override the config file) and
// hive/services/nats/nats.go's maxprocs.Set call on startup.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the colony gateway and actor runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		if appConfig == nil {
			return fmt.Errorf("configuration not loaded")
		}

		if undo, err := maxprocs.Set(maxprocs.Logger(log.Printf)); err != nil {
			slog.Warn("failed to set GOMAXPROCS", "err", err)
		} else {
			defer undo()
		}

		if baseDir := viper.GetString("base-dir"); baseDir != "" {
			appConfig.Storage.BaseDir = baseDir
		}
		if gatewayHost := viper.GetString("gateway-host"); gatewayHost != "" {
			appConfig.Gateway.Host = gatewayHost
		}
		if viper.GetBool("dev") {
			appConfig.Dev = true
		}

		store, err := persistence.Open(appConfig.Storage.BaseDir)
		if err != nil {
			return fmt.Errorf("colony: opening storage: %w", err)
		}
		if err := store.MigrateAll(context.Background()); err != nil {
			return fmt.Errorf("colony: migrating legacy kv: %w", err)
		}
		if err := store.CleanupTmpFiles(); err != nil {
			slog.Warn("colony: failed to clean up temp files", "err", err)
		}

		// Real deployments register their actor type definitions here
		// before calling serve; a bare colony process hosts none.
		defs := manager.Definitions{}

		mgr, err := manager.New(defs, store, managerConfigFrom(appConfig))
		if err != nil {
			return fmt.Errorf("colony: building manager: %w", err)
		}
		defer mgr.Close()

		mgr.Replay()

		gw := &manager.GatewayConfig{
			Manager:      mgr,
			Debug:        appConfig.Dev,
			AllowOrigins: appConfig.Gateway.AllowOrigins,
		}
		app := gw.SetupRoutes()

		log.Println("colony: listening on", appConfig.Gateway.Host)
		return app.Listen(appConfig.Gateway.Host)
	},
}

// managerConfigFrom translates the on-disk/env config shape into
// colony/manager.Config, keeping config.Config free of any colony/manager
// or colony/actor import (config stays the lowest package in the graph).
func managerConfigFrom(c *config.Config) manager.Config {
	return manager.Config{
		Dev: c.Dev,
		ActorConfig: actor.Config{
			NoSleep:           c.Actor.NoSleep,
			SleepTimeout:      c.Actor.SleepTimeout,
			ActionTimeout:     c.Actor.ActionTimeout,
			RunStopTimeout:    c.Actor.RunStopTimeout,
			WaitUntilTimeout:  c.Actor.WaitUntilTimeout,
			MaxRestarts:       c.Actor.MaxRestarts,
			RestartWindow:     c.Actor.RestartWindow,
			RestartBackoffMin: c.Actor.RestartBackoffMin,
			RestartBackoffMax: c.Actor.RestartBackoffMax,
		},
		MaxAlarmLeg: c.Actor.MaxAlarmLeg,
		ConnectionOptions: connection.Options{
			LivenessInterval:       c.NATS.LivenessInterval,
			LivenessTimeout:        c.NATS.LivenessTimeout,
			MaxIncomingMessageSize: c.Gateway.MaxIncomingMessageSize,
			MaxOutgoingMessageSize: c.Gateway.MaxOutgoingMessageSize,
		},
		InspectorToken:       c.Gateway.InspectorToken,
		EncodingPrefix:       c.Gateway.EncodingPrefix,
		ConnParamsPrefix:     c.Gateway.ConnParamsPrefix,
		InspectorTokenPrefix: c.Gateway.InspectorTokenPrefix,
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
