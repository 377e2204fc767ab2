package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"text/tabwriter"

	"github.com/janhq/cortex/internal/config"
	"github.com/janhq/cortex/pkg/models"
)

func runModels(ov config.Overrides, args []string) error {
	if len(args) == 0 {
		return usagef("usage: cortex models <list|pull|run>")
	}
	c, err := newClient(ov)
	if err != nil {
		return err
	}

	switch args[0] {
	case "list":
		return modelsList(c)
	case "pull":
		if len(args) < 2 {
			return usagef("usage: cortex models pull <url>")
		}
		return modelsPull(c, args[1])
	case "run":
		if len(args) < 2 {
			return usagef("usage: cortex models run <model-path>")
		}
		return modelsRun(c, args[1])
	default:
		return usagef("unknown models subcommand %q", args[0])
	}
}

func modelsList(c *client) error {
	var resp struct {
		Data []struct {
			Engine string         `json:"engine"`
			Status map[string]any `json:"status"`
		} `json:"data"`
	}
	if err := c.getJSON("/inferences/server/models", &resp); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENGINE\tMODEL")
	for _, e := range resp.Data {
		model, _ := e.Status["model"].(string)
		fmt.Fprintf(w, "%s\t%s\n", e.Engine, model)
	}
	return w.Flush()
}

// modelsPull downloads a model artifact through the server's download
// service so progress and resume behave like engine installs.
func modelsPull(c *client, url string) error {
	name := path.Base(url)
	if err := c.postJSON("/v1/models/pull", map[string]string{"url": url}, nil); err != nil {
		return err
	}
	fmt.Printf("Pulling %s...\n", name)

	bar := newProgressBar(name)
	var failure error
	err := c.followEvents(func(raw []byte) bool {
		var evt struct {
			Type    string `json:"type"`
			Source  string `json:"source"`
			Payload struct {
				DownloadedBytes int64  `json:"downloaded_bytes"`
				ExpectedBytes   int64  `json:"expected_bytes"`
				Success         bool   `json:"success"`
				Error           string `json:"error"`
			} `json:"payload"`
		}
		if json.Unmarshal(raw, &evt) != nil || evt.Source != name {
			return true
		}
		switch evt.Type {
		case "download_progress":
			bar.update(evt.Payload.DownloadedBytes, evt.Payload.ExpectedBytes)
			return true
		case "download_finished":
			bar.finish()
			if !evt.Payload.Success {
				failure = fmt.Errorf("pull failed: %s", evt.Payload.Error)
			}
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if failure != nil {
		return failure
	}
	fmt.Printf("Model %s pulled\n", name)
	return nil
}

// modelsRun loads the model then reads prompts from stdin, streaming
// completions back.
func modelsRun(c *client, modelPath string) error {
	if err := c.postJSON("/inferences/server/loadmodel", map[string]any{
		"model_path": modelPath,
		"model":      path.Base(modelPath),
	}, nil); err != nil {
		return err
	}
	fmt.Println("Model loaded. Type a prompt, ctrl-d to exit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return nil
		}
		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		if err := streamChat(c, prompt); err != nil {
			return err
		}
	}
}

// streamChat posts one streaming completion and prints deltas as they
// arrive.
func streamChat(c *client, prompt string) error {
	body, err := json.Marshal(models.ChatCompletionRequest{
		Model:    "default",
		Stream:   true,
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: prompt}},
	})
	if err != nil {
		return err
	}
	streamClient := &http.Client{}
	resp, err := streamClient.Post(c.base+"/v1/chat/completions", "application/json", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeResponse(resp, nil)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk models.ChatCompletionChunk
		if json.UnmarshalFromString(data, &chunk) != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			fmt.Print(choice.Delta.Content)
		}
	}
	fmt.Println()
	return scanner.Err()
}
