package main

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sandrev/loom/internal/config"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message to a chat and print the reply",
	Long: `Send a message to a chat and print the assistant's reply.

Examples:
  loom chat "what did we decide about the schema?"
  loom chat --chat 3 "continue from there"
  loom chat --new --project 1 "let's start on the migration plan"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.Join(args, " ")
		chatID, _ := cmd.Flags().GetInt64("chat")
		newChat, _ := cmd.Flags().GetBool("new")
		projectID, _ := cmd.Flags().GetInt64("project")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if newChat || chatID == 0 {
			body := map[string]any{}
			if projectID != 0 {
				body["project_id"] = projectID
			}
			resp, err := client.post(ctx, "/chats", body)
			if err != nil {
				return err
			}
			var created struct {
				ID int64 `json:"id"`
			}
			if err := decodeJSON(resp, &created); err != nil {
				return err
			}
			chatID = created.ID
			printStep("Created chat %d", chatID)
		}

		resp, err := client.post(ctx, fmt.Sprintf("/chats/%d/messages", chatID), map[string]string{
			"content": message,
		})
		if err != nil {
			return err
		}

		var reply struct {
			Content string `json:"content"`
		}
		if err := decodeJSON(resp, &reply); err != nil {
			return err
		}

		fmt.Println(reply.Content)
		return nil
	},
}

func init() {
	chatCmd.Flags().Int64("chat", 0, "chat id to continue (default: create a new chat)")
	chatCmd.Flags().Bool("new", false, "always create a new chat")
	chatCmd.Flags().Int64("project", 0, "project id for a newly created chat")
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a document into a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetInt64("project")
		if projectID == 0 {
			return fmt.Errorf("--project is required")
		}

		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			return err
		}
		if _, err := fw.Write(data); err != nil {
			return err
		}
		mw.Close()

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
			fmt.Sprintf("%s/projects/%d/documents", client.baseURL, projectID), &buf)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+client.token)
		req.Header.Set("Content-Type", mw.FormDataContentType())

		resp, err := client.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("server not reachable — is loom running? (%w)", err)
		}
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
		}

		var result struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Uploaded document %s (%s)", result.ID, result.Status)
		return nil
	},
}

func init() {
	uploadCmd.Flags().Int64("project", 0, "project id to upload into")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(ansiBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
