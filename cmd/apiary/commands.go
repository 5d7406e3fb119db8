package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/apiaryhq/apiary/pkg/client"
	"github.com/apiaryhq/apiary/pkg/errdefs"
	"github.com/apiaryhq/apiary/pkg/types"
	"github.com/spf13/cobra"
)

func gatewayClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return client.New(addr)
}

// Swarm commands

var swarmCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Inspect and replace the swarm configuration",
}

var swarmGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current swarm configuration as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := gatewayClient(cmd).Swarm()
		if err != nil {
			return err
		}
		return printJSON(cfg)
	},
}

var swarmPutCmd = &cobra.Command{
	Use:   "put <file>",
	Short: "Replace the swarm configuration from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", errdefs.ErrIO, args[0], err)
		}
		var cfg types.SwarmConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("%w: parse %s: %v", errdefs.ErrValidation, args[0], err)
		}
		if err := gatewayClient(cmd).PutSwarm(&cfg); err != nil {
			return err
		}
		fmt.Println("Swarm configuration replaced")
		return nil
	},
}

// Agent commands

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent containers",
}

var agentAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Register a new agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		model, _ := cmd.Flags().GetString("model")
		if name == "" {
			name = args[0]
		}
		if err := gatewayClient(cmd).AddBee(&types.Bee{ID: args[0], Name: name, Model: model}); err != nil {
			return err
		}
		fmt.Printf("Agent %s registered\n", args[0])
		return nil
	},
}

var agentRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Stop, deregister, and purge an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := gatewayClient(cmd).RemoveBee(args[0]); err != nil {
			return err
		}
		fmt.Printf("Agent %s removed\n", args[0])
		return nil
	},
}

var agentStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start an agent's container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := gatewayClient(cmd).StartAgent(args[0])
		if err != nil {
			return err
		}
		return printJSON(state)
	},
}

var agentStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop an agent's container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := gatewayClient(cmd).StopAgent(args[0])
		if err != nil {
			return err
		}
		return printJSON(state)
	},
}

var agentStatusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Inspect one agent, or all agents when no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := gatewayClient(cmd)
		if len(args) == 1 {
			state, err := c.AgentStatus(args[0])
			if err != nil {
				return err
			}
			return printJSON(state)
		}
		states, err := c.ListAgents()
		if err != nil {
			return err
		}
		return printJSON(states)
	},
}

// Connection commands

var connCmd = &cobra.Command{
	Use:   "conn",
	Short: "Manage topology connections",
}

var connAddCmd = &cobra.Command{
	Use:   "add <from> <to>",
	Short: "Add a directed connection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bidir, _ := cmd.Flags().GetBool("bidir")
		if err := gatewayClient(cmd).AddConnection(args[0], args[1], bidir); err != nil {
			return err
		}
		arrow := "→"
		if bidir {
			arrow = "↔"
		}
		fmt.Printf("Connection %s %s %s added\n", args[0], arrow, args[1])
		return nil
	},
}

var connRemoveCmd = &cobra.Command{
	Use:   "remove <from> <to>",
	Short: "Remove a directed connection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bidir, _ := cmd.Flags().GetBool("bidir")
		if err := gatewayClient(cmd).RemoveConnection(args[0], args[1], bidir); err != nil {
			return err
		}
		fmt.Printf("Connection %s → %s removed\n", args[0], args[1])
		return nil
	},
}

// Mail commands

var mailCmd = &cobra.Command{
	Use:   "mail",
	Short: "Send and inspect mail",
}

var mailSendCmd = &cobra.Command{
	Use:   "send <to>",
	Short: "Send a mail from the human node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		body, _ := cmd.Flags().GetString("body")
		m, err := gatewayClient(cmd).SendMail(args[0], subject, body)
		if err != nil {
			return err
		}
		fmt.Printf("Mail %s sent to %s\n", m.ID, m.To)
		return nil
	},
}

var mailInboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Print the human inbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		mails, err := gatewayClient(cmd).HumanInbox()
		if err != nil {
			return err
		}
		return printJSON(mails)
	},
}

var mailCountsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Print live queue depths per node",
	RunE: func(cmd *cobra.Command, args []string) error {
		counts, err := gatewayClient(cmd).Counts()
		if err != nil {
			return err
		}
		return printJSON(counts)
	},
}

var mailHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent routing dispositions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		records, err := gatewayClient(cmd).History(limit)
		if err != nil {
			return err
		}
		return printJSON(records)
	},
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	swarmCmd.AddCommand(swarmGetCmd)
	swarmCmd.AddCommand(swarmPutCmd)

	agentAddCmd.Flags().String("name", "", "display name (defaults to the id)")
	agentAddCmd.Flags().String("model", "", "model identifier passed to the agent runtime")
	agentCmd.AddCommand(agentAddCmd)
	agentCmd.AddCommand(agentRemoveCmd)
	agentCmd.AddCommand(agentStartCmd)
	agentCmd.AddCommand(agentStopCmd)
	agentCmd.AddCommand(agentStatusCmd)

	connAddCmd.Flags().Bool("bidir", false, "add both directions")
	connRemoveCmd.Flags().Bool("bidir", false, "remove both directions")
	connCmd.AddCommand(connAddCmd)
	connCmd.AddCommand(connRemoveCmd)

	mailSendCmd.Flags().String("subject", "", "mail subject")
	mailSendCmd.Flags().String("body", "", "mail body")
	mailHistoryCmd.Flags().Int("limit", 50, "maximum records to fetch")
	mailCmd.AddCommand(mailSendCmd)
	mailCmd.AddCommand(mailInboxCmd)
	mailCmd.AddCommand(mailCountsCmd)
	mailCmd.AddCommand(mailHistoryCmd)
}
