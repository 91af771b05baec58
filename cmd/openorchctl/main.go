package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"OpenOrch/sdk/go/openorch"
)

var (
	serverAddr string
	authToken  string
	outputJSON bool

	loginUsername string
	loginPassword string

	argPairs []string
	argsJSON string
	target   string

	listStatus     string
	listCapability string
	listLimit      int
	listOffset     int
	listOrder      string
)

const requestTimeout = 30 * time.Second

func main() {
	// .env 仅用于本地开发，缺失时直接忽略。
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "openorchctl",
		Short: "OpenOrch command line client",
		Long: `openorchctl talks to a running openorchd over its REST API.

Authentication:
  Run 'openorchctl login -u USER' to obtain a token, then export it:
    export OPENORCH_TOKEN=...
  Deployments with auth disabled need no token.

Environment Variables:
  OPENORCH_ADDR     Daemon base URL (default: http://127.0.0.1:8080)
  OPENORCH_TOKEN    Access token used for authenticated calls

Quick Start:
  openorchctl plugins list                  # Show loaded plugins
  openorchctl invoke inventory.nodes.list   # Run a capability synchronously
  openorchctl submit shell.run --arg command=uptime
  openorchctl queue                         # Execution queue occupancy`,
	}
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", getEnv("OPENORCH_ADDR", "http://127.0.0.1:8080"), "Daemon base URL")
	rootCmd.PersistentFlags().StringVarP(&authToken, "token", "t", os.Getenv("OPENORCH_TOKEN"), "Access token")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print raw JSON responses")

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain an access token",
		RunE:  runLogin,
	}
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", os.Getenv("OPENORCH_USERNAME"), "Account username")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", os.Getenv("OPENORCH_PASSWORD"), "Account password")

	pluginsCmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect and manage loaded plugins",
	}
	pluginsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every known plugin and its state",
			RunE:  runPluginsList,
		},
		&cobra.Command{
			Use:   "describe <name>",
			Short: "Show one plugin in detail, manifest included",
			Args:  cobra.ExactArgs(1),
			RunE:  runPluginsDescribe,
		},
		&cobra.Command{
			Use:   "reload <name>",
			Short: "Tear a plugin down and load it again from its source",
			Args:  cobra.ExactArgs(1),
			RunE:  runPluginsReload,
		},
	)

	invokeCmd := &cobra.Command{
		Use:   "invoke <capability>",
		Short: "Dispatch a capability synchronously",
		Long: `Dispatch a capability and wait for its output.

Argument values given with --arg are parsed as JSON first, so numbers,
booleans, lists and maps keep their types; anything that fails to parse
is passed through as a string:

  openorchctl invoke shell.run --arg command=uptime --arg timeout_seconds=30
  openorchctl invoke inventory.nodes.list --arg group=web
  openorchctl invoke bolt.task.run --args '{"task":"facts","target":"web-01"}'`,
		Args: cobra.ExactArgs(1),
		RunE: runInvoke,
	}
	invokeCmd.Flags().StringArrayVar(&argPairs, "arg", nil, "Capability argument as key=value (repeatable)")
	invokeCmd.Flags().StringVar(&argsJSON, "args", "", "Capability arguments as a JSON object")

	submitCmd := &cobra.Command{
		Use:   "submit <capability>",
		Short: "Enqueue a command for asynchronous execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringArrayVar(&argPairs, "arg", nil, "Capability argument as key=value (repeatable)")
	submitCmd.Flags().StringVar(&argsJSON, "args", "", "Capability arguments as a JSON object")
	submitCmd.Flags().StringVar(&target, "target", "", "Logical target recorded on the command")

	getCmd := &cobra.Command{
		Use:   "get <command-id>",
		Short: "Fetch one command with its result",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}

	commandsCmd := &cobra.Command{
		Use:   "commands",
		Short: "List submitted commands",
		RunE:  runCommandsList,
	}
	commandsCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status, comma separated (pending,running,succeeded,failed)")
	commandsCmd.Flags().StringVar(&listCapability, "capability", "", "Filter by capability name")
	commandsCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of commands to return")
	commandsCmd.Flags().IntVar(&listOffset, "offset", 0, "Number of commands to skip")
	commandsCmd.Flags().StringVar(&listOrder, "order", "", "Sort by update time: asc or desc")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate command counts",
		RunE:  runStats,
	}
	statsCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status, comma separated")
	statsCmd.Flags().StringVar(&listCapability, "capability", "", "Filter by capability name")

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Show execution queue occupancy",
		RunE:  runQueue,
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Probe daemon and plugin health",
		RunE:  runHealth,
	}

	rootCmd.AddCommand(loginCmd, pluginsCmd, invokeCmd, submitCmd, getCmd, commandsCmd, statsCmd, queueCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient() *openorch.Client {
	client := openorch.NewClient(serverAddr, nil)
	if authToken != "" {
		client.SetAccessToken(authToken)
	}
	return client
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func runLogin(cmd *cobra.Command, args []string) error {
	if loginUsername == "" {
		return fmt.Errorf("username is required (use -u or OPENORCH_USERNAME)")
	}

	ctx, cancel := requestContext()
	defer cancel()

	token, err := newClient().Authenticate(ctx, openorch.Credentials{
		Username: loginUsername,
		Password: loginPassword,
	})
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(token)
	}
	fmt.Printf("access token issued, valid for %ds\n", token.ExpiresIn)
	fmt.Printf("export OPENORCH_TOKEN=%s\n", token.AccessToken)
	return nil
}

func runPluginsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	records, err := newClient().ListPlugins(ctx)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(records)
	}

	fmt.Printf("%-20s %-10s %-10s %-10s %s\n", "NAME", "TIER", "STATE", "VERSION", "CAPABILITIES")
	for _, record := range records {
		state := record.State
		if record.Disabled {
			state = "disabled"
		}
		fmt.Printf("%-20s %-10s %-10s %-10s %d\n", record.Name, record.Tier, state, record.Version, len(record.Capabilities))
	}
	return nil
}

func runPluginsDescribe(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	record, err := newClient().GetPlugin(ctx, args[0])
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(record)
	}

	fmt.Printf("Name:        %s\n", record.Name)
	fmt.Printf("Tier:        %s\n", record.Tier)
	fmt.Printf("State:       %s\n", record.State)
	fmt.Printf("Version:     %s\n", record.Version)
	if record.Description != "" {
		fmt.Printf("Description: %s\n", record.Description)
	}
	if record.LoadError != "" {
		fmt.Printf("Load error:  %s\n", record.LoadError)
	}
	if record.InitError != "" {
		fmt.Printf("Init error:  %s\n", record.InitError)
	}
	if record.Health != nil {
		fmt.Printf("Healthy:     %t", record.Health.Healthy)
		if record.Health.Degraded {
			fmt.Printf(" (degraded)")
		}
		fmt.Println()
		if record.Health.Message != "" {
			fmt.Printf("Health msg:  %s\n", record.Health.Message)
		}
	}
	if len(record.Capabilities) > 0 {
		fmt.Println("Capabilities:")
		for _, capability := range record.Capabilities {
			fmt.Printf("  %s\n", capability)
		}
	}
	return nil
}

func runPluginsReload(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	record, err := newClient().ReloadPlugin(ctx, args[0])
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(record)
	}
	fmt.Printf("plugin %s reloaded, state=%s\n", record.Name, record.State)
	return nil
}

func runInvoke(cmd *cobra.Command, args []string) error {
	capArgs, err := collectArgs()
	if err != nil {
		return err
	}

	ctx, cancel := requestContext()
	defer cancel()

	result, err := newClient().Invoke(ctx, openorch.InvokeRequest{
		Capability: args[0],
		Args:       capArgs,
	})
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(result)
	}

	fmt.Printf("capability %s handled by %s in %dms (correlation %s)\n",
		result.Capability, result.Plugin, result.ElapsedMs, result.CorrelationID)
	if len(result.Output) > 0 {
		return printJSON(result.Output)
	}
	return nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	capArgs, err := collectArgs()
	if err != nil {
		return err
	}

	ctx, cancel := requestContext()
	defer cancel()

	command, err := newClient().SubmitCommand(ctx, openorch.CommandSubmission{
		Capability: args[0],
		Target:     target,
		Args:       capArgs,
	})
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(command)
	}
	fmt.Printf("command %s submitted, status=%s\n", command.ID, command.Status)
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	command, err := newClient().GetCommand(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(command)
}

func runCommandsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	commands, err := newClient().ListCommands(ctx, listOptions())
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(commands)
	}

	fmt.Printf("%-38s %-24s %-10s %-8s %s\n", "ID", "CAPABILITY", "STATUS", "ATTEMPTS", "UPDATED")
	for _, command := range commands {
		updated := time.Unix(command.UpdatedAt, 0).Format(time.RFC3339)
		fmt.Printf("%-38s %-24s %-10s %-8d %s\n", command.ID, command.Capability, command.Status, command.Attempts, updated)
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	stats, err := newClient().CommandStats(ctx, listOptions())
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(stats)
	}

	fmt.Printf("total:     %d\n", stats.Total)
	fmt.Printf("pending:   %d\n", stats.Pending)
	fmt.Printf("running:   %d\n", stats.Running)
	fmt.Printf("succeeded: %d\n", stats.Succeeded)
	fmt.Printf("failed:    %d\n", stats.Failed)
	return nil
}

func runQueue(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	status, err := newClient().QueueStatus(ctx)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(status)
	}
	fmt.Printf("running: %d/%d, queued: %d/%d\n", status.RunningCount, status.Limit, status.QueuedCount, status.MaxQueueSize)
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	health, err := newClient().Health(ctx)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(health)
	}

	fmt.Printf("status: %s\n", health.Status)
	for name, probe := range health.Plugins {
		state := "healthy"
		if !probe.Healthy {
			state = "unhealthy"
		} else if probe.Degraded {
			state = "degraded"
		}
		if probe.Message != "" {
			fmt.Printf("  %-20s %s (%s)\n", name, state, probe.Message)
		} else {
			fmt.Printf("  %-20s %s\n", name, state)
		}
	}
	return nil
}

// collectArgs 合并 --args 与 --arg，值优先按 JSON 解析以保留类型。
func collectArgs() (map[string]any, error) {
	out := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &out); err != nil {
			return nil, fmt.Errorf("--args must be a JSON object: %w", err)
		}
	}
	for _, pair := range argPairs {
		key, raw, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("--arg expects key=value, got %q", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func listOptions() openorch.ListCommandsOptions {
	opts := openorch.ListCommandsOptions{
		Capability: listCapability,
		Limit:      listLimit,
		Offset:     listOffset,
		Order:      listOrder,
	}
	if listStatus != "" {
		for _, status := range strings.Split(listStatus, ",") {
			if trimmed := strings.TrimSpace(status); trimmed != "" {
				opts.Statuses = append(opts.Statuses, trimmed)
			}
		}
	}
	return opts
}

func printJSON(payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
