package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/outreach/internal/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Enqueue and inspect tasks",
}

var taskEnqueueCmd = &cobra.Command{
	Use:   "enqueue [task-type]",
	Short: "Enqueue a task through the producer API",
	Long: `Enqueue a task. The payload is a JSON object.

Example:
  outreachctl task enqueue enrich_email --payload '{"website":"acmeroofing.com","company_name":"Acme Roofing"}'
  outreachctl task enqueue send_sms_followup --payload '{"outreach_id":"..."}' --delay 2h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payloadStr, _ := cmd.Flags().GetString("payload")
		priority, _ := cmd.Flags().GetInt("priority")
		delay, _ := cmd.Flags().GetDuration("delay")

		req, err := buildEnqueueRequest(args[0], payloadStr, priority, delay)
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		var resp struct {
			TaskID string `json:"task_id"`
		}
		if err := callAPI(ctx, serverAddr, "POST", "/v1/tasks", req, &resp); err != nil {
			return fmt.Errorf("failed to enqueue task: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Task enqueued: %s\n", resp.TaskID)
		}
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get [task-id]",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var t task.Task
		if err := callAPI(ctx, serverAddr, "GET", "/v1/tasks/"+args[0], nil, &t); err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}

		if outputJSON {
			printOutput(t)
			return nil
		}
		fmt.Printf("Task %s\n", t.ID)
		fmt.Printf("  Type:     %s\n", t.Type)
		fmt.Printf("  Status:   %s\n", t.Status)
		fmt.Printf("  Priority: %d\n", t.Priority)
		fmt.Printf("  Retries:  %d/%d\n", t.RetryCount, t.MaxRetries)
		fmt.Printf("  Run at:   %s\n", t.ScheduledAt.Format(time.RFC3339))
		if t.ErrorMessage != "" {
			fmt.Printf("  Error:    %s\n", t.ErrorMessage)
		}
		for k, v := range t.ResultData {
			fmt.Printf("  %s: %v\n", k, v)
		}
		return nil
	},
}

var taskTypesCmd = &cobra.Command{
	Use:   "types",
	Short: "List task types and their required payload fields",
	Run: func(cmd *cobra.Command, args []string) {
		if outputJSON {
			out := make(map[string][]string, len(task.Types))
			for _, typ := range task.Types {
				out[string(typ)] = task.RequiredFields(typ)
			}
			printOutput(out)
			return
		}
		for _, typ := range task.Types {
			fmt.Printf("%-20s %s\n", typ, strings.Join(task.RequiredFields(typ), ", "))
		}
	},
}

// buildEnqueueRequest validates the type and payload before anything is sent
func buildEnqueueRequest(typ, payloadStr string, priority int, delay time.Duration) (map[string]any, error) {
	if !task.Type(typ).Known() {
		return nil, fmt.Errorf("unknown task type %q", typ)
	}
	payload := map[string]any{}
	if payloadStr != "" {
		if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
			return nil, fmt.Errorf("failed to parse payload: %w", err)
		}
	}
	if delay < 0 {
		return nil, fmt.Errorf("delay must not be negative")
	}
	return map[string]any{
		"task_type":     typ,
		"payload":       payload,
		"priority":      priority,
		"delay_seconds": int(delay / time.Second),
	}, nil
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskEnqueueCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskTypesCmd)

	taskEnqueueCmd.Flags().String("payload", "{}", "task payload as a JSON object")
	taskEnqueueCmd.Flags().Int("priority", task.PriorityNormal, "priority, higher runs first (0 low, 5 normal, 10 high)")
	taskEnqueueCmd.Flags().Duration("delay", 0, "delay before the task becomes due")
}
