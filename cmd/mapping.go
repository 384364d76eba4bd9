package main

import (
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-converter/internal/fetcher"
	"github.com/sells-group/lead-converter/internal/model"
)

var (
	mappingFile  string
	mappingSheet string
	mappingYAML  bool
)

var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Inspect column mappings",
}

var mappingSuggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Propose a column for every required field",
	Long: `Reads the header of a lead export and prints the proposed mapping with the
configured overrides applied. With --yaml the output can be saved and passed
back to convert --mapping.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := fetcher.ReadTableWith(cmd.Context(), mappingFile, fetcher.TableOptions{Sheet: mappingSheet})
		if err != nil {
			return err
		}
		selection, err := proposeMapping(table.Columns(), "", nil)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if mappingYAML {
			return writeMappingYAML(out, selection)
		}
		if err := printMapping(out, selection); err != nil {
			return err
		}
		if missing := unmappedFields(selection); len(missing) > 0 {
			fmt.Fprintf(out, "\n%d field(s) need a column; pass --map field=Column to convert.\n", len(missing))
		}
		return nil
	},
}

func init() {
	mappingSuggestCmd.Flags().StringVar(&mappingFile, "file", "", "lead export to inspect")
	mappingSuggestCmd.Flags().StringVar(&mappingSheet, "sheet", "", "worksheet name for XLSX input")
	mappingSuggestCmd.Flags().BoolVar(&mappingYAML, "yaml", false, "print the mapping as YAML")
	_ = mappingSuggestCmd.MarkFlagRequired("file")

	mappingCmd.AddCommand(mappingSuggestCmd)
	rootCmd.AddCommand(mappingCmd)
}

func unmappedFields(selection map[string]string) []string {
	var missing []string
	for _, f := range model.RequiredFields {
		if selection[f] == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

// writeMappingYAML emits the selection in required-field order so the file
// reads like the table view.
func writeMappingYAML(w io.Writer, selection map[string]string) error {
	fields := &yaml.Node{Kind: yaml.MappingNode}
	for _, f := range model.RequiredFields {
		fields.Content = append(fields.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: f},
			&yaml.Node{Kind: yaml.ScalarNode, Value: selection[f], Tag: "!!str"},
		)
	}
	doc := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: "mapping"},
		fields,
	}}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return eris.Wrap(err, "mapping: encode yaml")
	}
	return enc.Close()
}
