package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/emberchat/relay/internal/config"
	"github.com/emberchat/relay/internal/version"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("relayd %s (commit %s)\n\n", version.Version, version.Commit)

			fmt.Printf("Config:  %s\n", paths.Config)
			fmt.Printf("Data:    %s\n", paths.Data)
			fmt.Printf("Logs:    %s\n", paths.Logs)
			fmt.Println()

			cfg, err := config.Load(paths.Config)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("Config:  not found (using defaults)")
				} else {
					fmt.Printf("Config:  error loading: %v\n", err)
				}
				return nil
			}

			storePath := cfg.Store.Path
			if storePath == "" {
				storePath = "(default)"
			}
			fmt.Printf("Store:   path=%s retention=%dd sweep=%dm\n",
				storePath, cfg.Store.RetentionDays, cfg.Store.SweepMinutes)

			client := &http.Client{Timeout: 2 * time.Second}
			for _, inst := range cfg.Instances {
				state := probeInstance(client, inst)
				fmt.Printf("Instance: name=%s port=%d prefix=%s namespace=%s ttl=%dm — %s\n",
					inst.Name, inst.Port, inst.PathPrefix, inst.Namespace, inst.TokenTTLMinutes, state)
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Printf("\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Printf("  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	return cmd
}

// probeInstance hits the instance health endpoint on loopback.
func probeInstance(client *http.Client, inst config.InstanceConfig) string {
	url := fmt.Sprintf("http://127.0.0.1:%d%s/health", inst.Port, inst.PathPrefix)
	resp, err := client.Get(url)
	if err != nil {
		return "not running"
	}
	defer resp.Body.Close()

	var health struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&health) != nil {
		return "unhealthy"
	}
	return fmt.Sprintf("running (%d clients)", health.Clients)
}
