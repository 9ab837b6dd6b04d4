package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/muratgozel/deployment-server/pkg/api/client"
)

type deployOpts struct {
	*rootOpts
	gitURL   string
	version  string
	mode     string
	schedule string
	output   string
}

func newDeploy(parent *rootOpts) *deployOpts {
	return &deployOpts{rootOpts: parent}
}

func (opts *deployOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deploy",
		Short:   "Ask the server to deploy a version of a project.",
		Example: "  deployctl deploy --git-url git@github.com:acme/app.git --version v1.2.0 --mode production",
		Args:    cobra.NoArgs,
		RunE:    opts.RunE,
	}
	cmd.Flags().StringVar(&opts.gitURL, "git-url", "", "repository URL of the project")
	cmd.Flags().StringVar(&opts.version, "version", "", "release version, e.g. v1.2.0")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "deployment mode (defaults to the server's)")
	cmd.Flags().StringVar(&opts.schedule, "at", "", "RFC 3339 time to run the deployment at")
	cmd.Flags().StringVarP(&opts.output, "output", "o", outputTable, "output format (table|json|yaml)")
	return cmd
}

func (opts *deployOpts) RunE(cmd *cobra.Command, _ []string) error {
	if strings.TrimSpace(opts.gitURL) == "" {
		return errors.New("--git-url is required")
	}
	if strings.TrimSpace(opts.version) == "" {
		return errors.New("--version is required")
	}
	req := apiclient.CreateDeploymentRequest{
		GitURL:  opts.gitURL,
		Version: opts.version,
		Mode:    opts.mode,
	}
	if opts.schedule != "" {
		at, err := time.Parse(time.RFC3339, opts.schedule)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		req.ScheduledAt = &at
	}

	api, err := opts.apiClient()
	if err != nil {
		return err
	}
	d, err := api.CreateDeployment(cmd.Context(), req)
	if err != nil {
		return err
	}
	if opts.output != outputTable {
		return encode(opts.out, opts.output, d)
	}
	fmt.Fprintf(opts.out, "deployment %s created for %s (mode %s)\n", d.ID, d.Version, d.Mode)
	return nil
}
