/*
Copyright © 2025 Mulga Defense Corporation

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/mulgadc/colony/colony/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	appConfig *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "colony",
	Short: "Colony - a stateful actor runtime",
	Long: `Colony hosts long-lived, addressable actors with durable state,
scheduled alarms, and a WebSocket/HTTP gateway for clients to talk to them.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (toml)")
	viper.BindEnv("config", "COLONY_CONFIG_PATH")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.PersistentFlags().String("base-dir", "", "storage root directory (overrides config file and env)")
	viper.BindEnv("base-dir", "COLONY_BASE_DIR")
	viper.BindPFlag("base-dir", rootCmd.PersistentFlags().Lookup("base-dir"))

	rootCmd.PersistentFlags().String("gateway-host", "", "gateway bind address (overrides config file and env)")
	viper.BindEnv("gateway-host", "COLONY_GATEWAY_HOST")
	viper.BindPFlag("gateway-host", rootCmd.PersistentFlags().Lookup("gateway-host"))

	rootCmd.PersistentFlags().Bool("dev", false, "enable development mode (verbose errors, permissive defaults)")
	viper.BindEnv("dev", "COLONY_DEV")
	viper.BindPFlag("dev", rootCmd.PersistentFlags().Lookup("dev"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	var err error
	appConfig, err = config.LoadConfig(viper.GetString("config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		fmt.Fprintln(os.Stderr, "Continuing with environment variables and defaults...")
	}
}
