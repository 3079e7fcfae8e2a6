package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"devorchestra/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show the status of a job",
	Long: `Display a job's tasks and their statuses.

With no argument, shows the most recently submitted job.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	path := "/jobs/latest"
	if len(args) == 1 {
		path = "/jobs/" + args[0]
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("fetch job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		fmt.Println("No such job. Submit one with 'devorchestra submit'.")
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("server error: %s", e.Error)
	}

	var view models.JobView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return fmt.Errorf("decode job view: %w", err)
	}

	fmt.Printf("Job %s  %s\n", view.ID, colorizeJob(view.Status))
	fmt.Printf("Story: %s\n", view.Story)
	fmt.Printf("Submitted: %s\n", view.CreatedAt.Local().Format(time.RFC822))
	if view.CompletedAt != nil {
		fmt.Printf("Finished: %s (%s)\n", view.CompletedAt.Local().Format(time.RFC822),
			view.CompletedAt.Sub(view.CreatedAt).Round(time.Millisecond))
	}
	if view.Stalled {
		fmt.Printf("%s job is not terminal but has no running engine\n", color.YellowString("⚠"))
	}

	fmt.Println("\nTasks:")
	for _, task := range view.Tasks {
		line := fmt.Sprintf("  %-16s %s", task.Role, colorizeTask(task.Status))
		if task.RetryCount > 0 {
			line += fmt.Sprintf("  (retries: %d)", task.RetryCount)
		}
		if task.LastError != "" && task.Status != models.TaskSucceeded {
			line += "  " + color.RedString(task.LastError)
		}
		fmt.Println(line)
	}
	return nil
}

func colorizeJob(status models.JobStatus) string {
	switch status {
	case models.JobSucceeded:
		return color.GreenString(string(status))
	case models.JobFailed:
		return color.RedString(string(status))
	case models.JobPartiallyFailed:
		return color.YellowString(string(status))
	default:
		return color.CyanString(string(status))
	}
}

func colorizeTask(status models.TaskStatus) string {
	switch status {
	case models.TaskSucceeded:
		return color.GreenString(string(status))
	case models.TaskFailed:
		return color.RedString(string(status))
	case models.TaskSkipped:
		return color.YellowString(string(status))
	case models.TaskRunning, models.TaskDispatched:
		return color.CyanString(string(status))
	default:
		return string(status)
	}
}
