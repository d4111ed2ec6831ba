package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/sleepless/internal/controlplane"
	"github.com/fentz26/sleepless/internal/models"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task to the queue",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  taskAction("cancel", "Cancelled"),
}

var taskPauseCmd = &cobra.Command{
	Use:   "pause [task-id]",
	Short: "Pause a task; it stays paused until resumed by hand",
	Args:  cobra.ExactArgs(1),
	RunE:  taskAction("pause", "Paused"),
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume [task-id]",
	Short: "Return a paused task to the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  taskAction("resume", "Requeued"),
}

var taskLogCmd = &cobra.Command{
	Use:   "log [task-id]",
	Short: "Show task output",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskLog,
}

var (
	taskID       string
	taskTitle    string
	taskDesc     string
	taskPriority string
	taskDeps     []string
	taskStatus   string
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskCancelCmd, taskPauseCmd, taskResumeCmd, taskLogCmd)

	taskAddCmd.Flags().StringVar(&taskTitle, "title", "", "Task title (required)")
	taskAddCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description, passed to the agent as its prompt")
	taskAddCmd.Flags().StringVar(&taskPriority, "priority", "normal", "Priority: urgent, high, normal, low")
	taskAddCmd.Flags().StringSliceVar(&taskDeps, "depends-on", nil, "IDs of tasks that must complete first")
	taskAddCmd.Flags().StringVar(&taskID, "id", "", "Explicit task ID (generated when empty)")
	taskAddCmd.MarkFlagRequired("title")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status, comma separated (queued, running, paused, completed, failed, cancelled)")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/tasks", controlplane.CreateTaskRequest{
		ID:           taskID,
		Title:        taskTitle,
		Description:  taskDesc,
		Priority:     taskPriority,
		Dependencies: taskDeps,
	})
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}
	fmt.Printf("Created task: %s (%s)\n", task.ID, task.Priority)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	path := "/tasks"
	if taskStatus != "" {
		path += "?status=" + taskStatus
	}
	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var tasks []models.Task
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		status := string(t.Status)
		if t.PauseReason != "" {
			status += " (" + string(t.PauseReason) + ")"
		}
		rows = append(rows, []string{
			truncateID(t.ID),
			truncate(t.Title, 40),
			string(t.Priority),
			statusStyle(t.Status).Render(status),
			strconv.FormatInt(t.TokensUsed, 10),
			t.CreatedAt.Local().Format("01-02 15:04"),
		})
	}
	fmt.Println(renderTable(
		[]string{"ID", "TITLE", "PRIORITY", "STATUS", "TOKENS", "CREATED"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks/" + args[0])
	if err != nil {
		return err
	}

	var t models.Task
	if err := json.Unmarshal(resp, &t); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Title:       %s\n", t.Title)
	if t.Description != "" {
		fmt.Printf("Description: %s\n", t.Description)
	}
	fmt.Printf("Priority:    %s\n", t.Priority)
	fmt.Printf("Status:      %s\n", statusStyle(t.Status).Render(string(t.Status)))
	if t.PauseReason != "" {
		fmt.Printf("Paused For:  %s\n", t.PauseReason)
	}
	if t.ResumeAfter != nil {
		fmt.Printf("Resume At:   %s\n", formatTime(*t.ResumeAfter))
	}
	if t.FailureReason != "" {
		fmt.Printf("Failure:     %s\n", t.FailureReason)
	}
	if len(t.Dependencies) > 0 {
		fmt.Printf("Depends On:  %s\n", strings.Join(t.Dependencies, ", "))
	}
	fmt.Printf("Usage:       %d tokens, $%.4f\n", t.TokensUsed, t.CostUsed)
	fmt.Printf("Created:     %s\n", formatTime(t.CreatedAt))
	if t.StartedAt != nil {
		fmt.Printf("Started:     %s\n", formatTime(*t.StartedAt))
	}
	if t.FinishedAt != nil {
		fmt.Printf("Finished:    %s\n", formatTime(*t.FinishedAt))
	}
	return nil
}

func taskAction(action, verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		resp, err := apiPost("/tasks/"+args[0]+"/"+action, nil)
		if err != nil {
			return err
		}
		var t models.Task
		if err := json.Unmarshal(resp, &t); err != nil {
			return err
		}
		fmt.Printf("%s task %s (now %s)\n", verb, t.ID, t.Status)
		return nil
	}
}

func runTaskLog(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks/" + args[0] + "/logs")
	if err != nil {
		return err
	}

	var runs []models.Run
	if err := json.Unmarshal(resp, &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No output recorded")
		return nil
	}
	for _, r := range runs {
		prefix := r.CreatedAt.Local().Format(time.TimeOnly)
		if r.Stream == "stderr" {
			fmt.Printf("%s %s\n", prefix, errStyle.Render(r.Content))
			continue
		}
		fmt.Printf("%s %s\n", prefix, r.Content)
	}
	return nil
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
