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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// listActorsCmd displays the actors of a given type currently known to a
// running colony gateway, grounded on cmd/hive/cmd/get.go's runGetNodes
// (collect over the wire, render with pterm.DefaultTable).
var listActorsCmd = &cobra.Command{
	Use:   "actors <type>",
	Short: "List actors of a given type known to a colony gateway",
	Args:  cobra.ExactArgs(1),
	RunE:  runListActors,
}

type actorListEntry struct {
	ID        string   `json:"ID"`
	Name      string   `json:"Name"`
	Key       []string `json:"Key"`
	Lifecycle string   `json:"Lifecycle"`
	CreatedAt int64    `json:"CreatedAt"`
	StartTs   *int64   `json:"StartTs"`
	SleepTs   *int64   `json:"SleepTs"`
}

func runListActors(cmd *cobra.Command, args []string) error {
	baseURL, _ := cmd.Flags().GetString("url")
	if baseURL == "" {
		if appConfig != nil && appConfig.Gateway.Host != "" {
			baseURL = "http://" + appConfig.Gateway.Host
		} else {
			baseURL = "http://127.0.0.1:8443"
		}
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	typeName := args[0]
	url := fmt.Sprintf("%s/colony/types/%s/actors", baseURL, typeName)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("colony: requesting actor list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "colony: gateway returned status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	var entries []actorListEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("colony: decoding actor list: %w", err)
	}

	tableData := pterm.TableData{
		{"ID", "NAME", "KEY", "STATE", "CREATED"},
	}
	for _, e := range entries {
		tableData = append(tableData, []string{
			e.ID,
			e.Name,
			strings.Join(e.Key, "/"),
			e.Lifecycle,
			time.UnixMilli(e.CreatedAt).Format(time.RFC3339),
		})
	}

	pterm.DefaultTable.WithHasHeader().WithLeftAlignment().WithData(tableData).Render()
	return nil
}

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Display actors known to a colony gateway",
	}
	listCmd.PersistentFlags().String("url", "", "gateway base URL (defaults to http://<gateway.host>)")
	listCmd.AddCommand(listActorsCmd)
	rootCmd.AddCommand(listCmd)
}
