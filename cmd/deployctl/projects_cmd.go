package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type projectsOpts struct {
	*rootOpts
	output string
}

func newProjects(parent *rootOpts) *projectsOpts {
	return &projectsOpts{rootOpts: parent}
}

func (opts *projectsOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List the projects registered on the server.",
		Args:  cobra.NoArgs,
		RunE:  opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", outputTable, "output format (table|json|yaml)")
	return cmd
}

func (opts *projectsOpts) RunE(cmd *cobra.Command, _ []string) error {
	api, err := opts.apiClient()
	if err != nil {
		return err
	}
	projects, err := api.ListProjects(cmd.Context())
	if err != nil {
		return err
	}
	if opts.output != outputTable {
		return encode(opts.out, opts.output, projects)
	}

	w := newTabwriter(opts.out)
	fmt.Fprintln(w, "CODE\tNAME\tPACKAGE\tDAEMONS\tSECRETS")
	for _, p := range projects {
		names := make([]string, 0, len(p.Daemons))
		for _, d := range p.Daemons {
			names = append(names, d.Name)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Code, p.Name, p.PipPackageName, strings.Join(names, ","), p.SecretsProvider)
	}
	return w.Flush()
}
