package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"hatago-plugin-host/pkg/plugin"
)

func newManifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect plugin manifests",
	}
	cmd.AddCommand(newManifestCheckCmd())
	return cmd
}

func newManifestCheckCmd() *cobra.Command {
	var (
		runtime     string
		hostVersion string
	)
	cmd := &cobra.Command{
		Use:   "check <manifest>",
		Short: "Validate a manifest and authorize it against a runtime",
		Long: `Validate a hatago.plugin.yaml or JSON manifest and check that every
capability it declares is available in the chosen runtime profile. With
--host-version the engines.hatago constraint is checked as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := plugin.LoadManifest(args[0])
			if err != nil {
				return err
			}
			rt, err := plugin.ParseRuntime(runtime)
			if err != nil {
				return err
			}
			var opts []plugin.HostOption
			if hostVersion != "" {
				opts = append(opts, plugin.WithHostVersion(hostVersion))
			}
			state, err := plugin.NewHostState(rt, opts...)
			if err != nil {
				return err
			}
			next, _ := state.StartLoading(m)
			if next.State == plugin.StateError {
				return next.Err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s@%s ok for %s runtime (capabilities: %s)\n",
				m.Name, m.Version, rt, strings.Join(m.Capabilities, ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&runtime, "runtime", string(plugin.RuntimeFull), "runtime profile: "+strings.Join(runtimeNames(), ", "))
	cmd.Flags().StringVar(&hostVersion, "host-version", "", "host version to check engines.hatago against")
	return cmd
}

func runtimeNames() []string {
	var names []string
	for _, rt := range plugin.Runtimes() {
		names = append(names, string(rt))
	}
	return names
}
