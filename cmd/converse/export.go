package main

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/converse/pkg/inference"
	"github.com/go-go-golems/converse/pkg/session"
)

func newExportCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <conversation-id>",
		Short: "Export a conversation as json, yaml or shareable text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = s.Close()
			}()

			// export only reads, no completion engine needed
			manager := session.NewManager(s, inference.NewEchoEngine())
			defer func() {
				_ = manager.Close()
			}()

			if err := manager.Load(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := waitLoaded(cmd.Context(), manager.IsLoading); err != nil {
				return err
			}

			switch format {
			case "text":
				fmt.Println(manager.ShareableText())
			case "json":
				b, err := json.MarshalIndent(manager.ExportableData(), "", "  ")
				if err != nil {
					return errors.Wrap(err, "encoding export")
				}
				fmt.Println(string(b))
			case "yaml":
				b, err := yaml.Marshal(manager.ExportableData())
				if err != nil {
					return errors.Wrap(err, "encoding export")
				}
				fmt.Print(string(b))
			default:
				return errors.Errorf("unknown format %s, want json, yaml or text", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "output format (json, yaml, text)")
	return cmd
}
