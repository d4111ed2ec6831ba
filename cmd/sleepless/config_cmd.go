package main

import (
	"fmt"

	"github.com/fentz26/sleepless/internal/agents"
	"github.com/fentz26/sleepless/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		if agent, ok := agents.NewDetector().First(cfg.Agent.Allowed); ok {
			cfg.Agent.Command = agent.Name
			fmt.Printf("Detected agent: %s (%s)\n", agent.Name, agent.Path)
		} else {
			fmt.Printf("No agent CLI found on PATH; defaulting to %s\n", cfg.Agent.Command)
		}
		if err := config.WriteSample(configPath, cfg, forceInit); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var forceInit bool

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
}
