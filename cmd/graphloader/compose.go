package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hanpama/graphloader/internal/federation"
	schema "github.com/hanpama/graphloader/internal/schema"
)

func newComposeCommand(_ *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "compose [name=]<schema.graphql>...",
		Short: "Compose subgraph schemas and print the supergraph schema",
		Long: `Compose validates that the subgraph schemas can be served together by one
gateway and prints the composed schema. A subgraph is named after its file
unless given as name=path.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subgraphs := make([]*federation.Subgraph, 0, len(args))
			for _, arg := range args {
				sg, err := readSubgraph(arg)
				if err != nil {
					return err
				}
				subgraphs = append(subgraphs, sg)
			}
			super, err := federation.Compose(subgraphs...)
			if err != nil {
				return err
			}
			sdl := schema.Render(super.Schema)
			if out == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), sdl)
				return err
			}
			if err := os.WriteFile(out, []byte(sdl), 0o644); err != nil {
				return err
			}
			names := make([]string, len(subgraphs))
			for i, sg := range subgraphs {
				names[i] = nameMark(sg.Name)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s composed %s into %s\n", okMark("✓"), strings.Join(names, ", "), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")
	return cmd
}

func readSubgraph(arg string) (*federation.Subgraph, error) {
	name, path, ok := strings.Cut(arg, "=")
	if !ok {
		path = arg
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	sdl, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sg, err := federation.ParseSubgraph(name, string(sdl))
	if err != nil {
		return nil, fmt.Errorf("subgraph %s: %w", name, err)
	}
	return sg, nil
}
