package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/janhq/cortex/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// client is the CLI's view of a running server.
type client struct {
	base string
	http *http.Client
}

// newClient resolves the server address from config plus overrides and
// launches a server process when none is reachable.
func newClient(ov config.Overrides) (*client, error) {
	cfg := config.New("", ov)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	c := &client{
		base: "http://" + cfg.Addr(),
		http: &http.Client{Timeout: 30 * time.Second},
	}
	if c.reachable() {
		return c, nil
	}

	log.Info().Str("addr", cfg.Addr()).Msg("No server reachable, starting one")
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	args := []string{"serve"}
	if ov.Host != "" {
		args = append(args, "--host", ov.Host)
	}
	if ov.Port != 0 {
		args = append(args, "--port", fmt.Sprint(ov.Port))
	}
	if ov.DataDir != "" {
		args = append(args, "--data-dir", ov.DataDir)
	}
	cmd := exec.Command(exe, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start server: %w", err)
	}
	if err := cmd.Process.Release(); err != nil {
		return nil, fmt.Errorf("detach server: %w", err)
	}

	for i := 0; i < 50; i++ {
		if c.reachable() {
			return c, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil, fmt.Errorf("server did not become reachable at %s", c.base)
}

func (c *client) reachable() bool {
	resp, err := c.http.Get(c.base + "/healthz")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// getJSON decodes a GET response into out.
func (c *client) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// postJSON posts a body and decodes the response into out (when non-nil).
func (c *client) postJSON(path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// delete sends a DELETE and decodes the response.
func (c *client) delete(path string, out any) error {
	req, err := http.NewRequest(http.MethodDelete, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Message, resp.StatusCode)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// followEvents reads the SSE event stream with no client timeout,
// invoking handle per event until it returns false or the stream ends.
func (c *client) followEvents(handle func(raw []byte) bool) error {
	streamClient := &http.Client{} // no timeout; the stream is long-lived
	resp, err := streamClient.Get(c.base + "/events")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if !handle([]byte(strings.TrimPrefix(line, "data: "))) {
			return nil
		}
	}
	return scanner.Err()
}
