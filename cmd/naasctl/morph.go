package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// uiEvents are the replies to get_ui_data; iclamp comes last.
var uiEvents = []string{"init_params", "morphology", "topology", "dendrogram", "synapses", "iclamp"}

var morphCmd = &cobra.Command{
	Use:   "morph <model-id>",
	Short: "Load a model and dump its morphology, topology and synapses as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runMorph,
}

func init() {
	morphCmd.Flags().Bool("url", false, "treat the argument as an archive URL")
	rootCmd.AddCommand(morphCmd)
}

func runMorph(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ref := modelRef{ID: args[0]}
	if isURL, _ := cmd.Flags().GetBool("url"); isURL {
		ref = modelRef{URL: args[0]}
	}
	ui, err := fetchUI(cmd.Context(), cfg, ref)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(ui)
}

// fetchUI collects the get_ui_data events in the order the server sent them.
func fetchUI(ctx context.Context, cfg cliConfig, ref modelRef) (*orderedmap.OrderedMap[string, json.RawMessage], error) {
	c, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer c.close()

	if err = c.load(ref); err != nil {
		return nil, err
	}
	if err = c.send("get_ui_data", nil); err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(uiEvents))
	for _, name := range uiEvents {
		known[name] = true
	}
	ui := orderedmap.New[string, json.RawMessage]()
	last, err := c.await(uiEvents[len(uiEvents)-1], func(ev event) {
		if known[ev.Cmd] {
			ui.Set(ev.Cmd, ev.Data)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("get_ui_data: %w", err)
	}
	ui.Set(uiEvents[len(uiEvents)-1], last)
	return ui, nil
}
