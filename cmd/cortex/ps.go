package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/janhq/cortex/internal/config"
	"github.com/janhq/cortex/pkg/models"
)

// runPS shows loaded engines and in-flight downloads.
func runPS(ov config.Overrides) error {
	c, err := newClient(ov)
	if err != nil {
		return err
	}
	var resp struct {
		Version   string                `json:"version"`
		Engines   []string              `json:"engines"`
		Downloads []models.DownloadTask `json:"downloads"`
	}
	if err := c.getJSON("/v1/system", &resp); err != nil {
		return err
	}

	fmt.Printf("cortex %s\n\n", resp.Version)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOADED ENGINES")
	if len(resp.Engines) == 0 {
		fmt.Fprintln(w, "(none)")
	}
	for _, e := range resp.Engines {
		fmt.Fprintln(w, e)
	}
	if len(resp.Downloads) > 0 {
		fmt.Fprintln(w, "\nDOWNLOADS\tSTATUS")
		for _, t := range resp.Downloads {
			fmt.Fprintf(w, "%s\t%s\n", t.ID, t.Status)
		}
	}
	return w.Flush()
}
