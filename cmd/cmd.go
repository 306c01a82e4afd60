// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/containerd/console"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fimtune/fimtune/envconfig"
	"github.com/fimtune/fimtune/logutil"
)

// Version wird beim Build per -ldflags gesetzt
var Version = "0.0.0"

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// setupLogging - Setzt den Default-Logger nach FIMTUNE_DEBUG
func setupLogging(cmd *cobra.Command, _ []string) {
	slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	// Fortschrittsbalken brauchen VT-Sequenzen in der Windows-Konsole
	if runtime.GOOS == "windows" && term.IsTerminal(int(os.Stderr.Fd())) {
		console.ConsoleFromFile(os.Stdin) //nolint:errcheck
	}

	rootCmd := &cobra.Command{
		Use:           "fimtune",
		Short:         "Fill-in-the-middle LoRA fine-tuning for code models",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: setupLogging,
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				fmt.Fprintf(cmd.OutOrStdout(), "fimtune version is %s\n", Version)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	// Commands erstellen
	trainCmd := newTrainCmd()
	preprocessCmd := newPreprocessCmd()
	exportCmd := newExportCmd()
	showCmd := newShowCmd()
	cacheCmd := newCacheCmd()

	// Environment-Dokumentation hinzufuegen
	envVars := envconfig.AsMap()
	hubEnvs := []envconfig.EnvVar{
		envVars["FIMTUNE_DEBUG"],
		envVars["HF_TOKEN"],
		envVars["HF_ENDPOINT"],
		envVars["HF_HOME"],
		envVars["HF_HUB_CACHE"],
	}

	for _, cmd := range []*cobra.Command{
		trainCmd,
		preprocessCmd,
		exportCmd,
		showCmd,
		cacheCmd,
	} {
		switch cmd {
		case trainCmd, preprocessCmd:
			appendEnvDocs(cmd, append(hubEnvs,
				envVars["FIMTUNE_CACHE_DIR"],
				envVars["FIMTUNE_NO_PROGRESS"],
				envVars["FIMTUNE_BARRIER_DIR"],
				envVars["FIMTUNE_ETCD_ENDPOINTS"],
				envVars["FIMTUNE_STATSD_ADDR"],
				envVars["RANK"],
				envVars["LOCAL_RANK"],
				envVars["WORLD_SIZE"],
				envVars["TORCHELASTIC_RUN_ID"],
			))
		case showCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["FIMTUNE_DEBUG"]})
		default:
			appendEnvDocs(cmd, hubEnvs)
		}
	}

	rootCmd.AddCommand(
		trainCmd,
		preprocessCmd,
		exportCmd,
		showCmd,
		cacheCmd,
	)

	return rootCmd
}
