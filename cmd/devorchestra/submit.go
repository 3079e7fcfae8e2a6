package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var legacyFile string

var submitCmd = &cobra.Command{
	Use:   "submit <story>",
	Short: "Submit a user story for generation",
	Long: `Submit a user story to a running orchestrator.

The story should follow the form "As a <actor>, I want <goal> so that
<benefit>". Pass --legacy-file to include existing code the generated
artifacts must integrate with.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&legacyFile, "legacy-file", "", "Path to legacy code to integrate with")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	payload := map[string]string{"story": args[0]}
	if legacyFile != "" {
		code, err := os.ReadFile(legacyFile)
		if err != nil {
			return fmt.Errorf("read legacy file: %w", err)
		}
		payload["legacy_code"] = string(code)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(serverURL+"/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("server rejected job: %s", result.Error)
	}

	fmt.Printf("%s Job %s accepted\n", color.GreenString("✓"), result.JobID)
	fmt.Printf("  Watch it with: devorchestra status %s\n", result.JobID)
	return nil
}
