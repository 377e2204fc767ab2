package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/janhq/cortex/internal/config"
	"github.com/janhq/cortex/pkg/models"
)

func runEngines(ov config.Overrides, args []string) error {
	if len(args) == 0 {
		return usagef("usage: cortex engines <list|install|uninstall|use>")
	}
	c, err := newClient(ov)
	if err != nil {
		return err
	}

	switch args[0] {
	case "list":
		return enginesList(c)
	case "install":
		if len(args) < 2 {
			return usagef("usage: cortex engines install <family> [version] [variant]")
		}
		version, variant := "", ""
		if len(args) > 2 {
			version = args[2]
		}
		if len(args) > 3 {
			variant = args[3]
		}
		return enginesInstall(c, args[1], version, variant)
	case "uninstall":
		if len(args) < 2 {
			return usagef("usage: cortex engines uninstall <family>")
		}
		return c.delete("/v1/engines/"+args[1]+"/install", nil)
	case "use":
		if len(args) < 4 {
			return usagef("usage: cortex engines use <family> <version> <variant>")
		}
		var def models.DefaultVariant
		if err := c.postJSON("/v1/engines/"+args[1]+"/default",
			map[string]string{"version": args[2], "variant": args[3]}, &def); err != nil {
			return err
		}
		fmt.Printf("Default for %s is now %s %s\n", def.Engine, def.Version, def.Variant)
		return nil
	default:
		return usagef("unknown engines subcommand %q", args[0])
	}
}

func enginesList(c *client) error {
	var resp struct {
		Data []struct {
			Name      string                    `json:"name"`
			Type      string                    `json:"type"`
			Ready     bool                      `json:"ready"`
			Loaded    bool                      `json:"loaded"`
			Installed []models.InstalledVariant `json:"installed"`
		} `json:"data"`
	}
	if err := c.getJSON("/v1/engines", &resp); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tREADY\tLOADED\tINSTALLED")
	for _, e := range resp.Data {
		fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%d\n", e.Name, e.Type, e.Ready, e.Loaded, len(e.Installed))
	}
	return w.Flush()
}

// enginesInstall starts the install and follows progress on /events until
// the terminal download event for this family arrives.
func enginesInstall(c *client, family, version, variant string) error {
	body := map[string]string{}
	if version != "" {
		body["version"] = version
	}
	if variant != "" {
		body["variant"] = variant
	}
	if err := c.postJSON("/v1/engines/"+family+"/install", body, nil); err != nil {
		return err
	}
	fmt.Printf("Installing %s...\n", family)

	bar := newProgressBar(family)
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
		if json.Unmarshal(raw, &evt) != nil || evt.Source != family {
			return true
		}
		switch evt.Type {
		case "download_progress":
			bar.update(evt.Payload.DownloadedBytes, evt.Payload.ExpectedBytes)
			return true
		case "download_finished":
			bar.finish()
			if !evt.Payload.Success {
				failure = fmt.Errorf("install failed: %s", evt.Payload.Error)
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
	fmt.Printf("Engine %s installed\n", family)
	return nil
}
