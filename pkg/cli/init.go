package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stagehand/stagehand/pkg/config"
	"github.com/stagehand/stagehand/pkg/types"
)

func (c *CLI) newInitCmd() *cobra.Command {
	var (
		force      bool
		buildCmd   string
		buddyCheck bool
		policy     string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration",
		Long:  `Create stagehand.yaml (or the --config path) populated with the defaults.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.defaultConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("configuration already exists at %s. Use --force to overwrite", path)
			}

			manager := config.NewManager()
			cfg := manager.GetDefaultConfig()
			cfg.Builds.Command = buildCmd
			cfg.BuddyCheck.Enabled = buddyCheck
			if policy != "" {
				cfg.Engine.ContentionPolicy = types.ContentionPolicy(policy)
			}
			if err := manager.ValidateConfig(cfg); err != nil {
				return err
			}
			if err := manager.WriteConfig(path, cfg); err != nil {
				return err
			}

			c.printSuccess("Created configuration at %s", path)
			c.printInfo("Start the engine with: stagehand serve --config %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing configuration")
	cmd.Flags().StringVar(&buildCmd, "build-command", "", "command builds run when a request names no steps")
	cmd.Flags().BoolVar(&buddyCheck, "buddy-check", false, "require a second person to approve production deploys")
	cmd.Flags().StringVar(&policy, "contention", "", "contention policy (project, stage, deploy_group)")
	return cmd
}
