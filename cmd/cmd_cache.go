// cmd_cache.go - Cache Commands
// Hauptfunktionen: CacheListHandler, CacheRemoveHandler
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fimtune/fimtune/dataset"
	"github.com/fimtune/fimtune/envconfig"
	"github.com/fimtune/fimtune/huggingface"
)

// CacheListHandler - Listet Hub-Repositories im lokalen Cache
func CacheListHandler(cmd *cobra.Command, args []string) error {
	repos, err := huggingface.NewClient().ListCached()
	if err != nil {
		return err
	}

	var data [][]string
	for _, r := range repos {
		if len(args) == 0 || strings.HasPrefix(strings.ToLower(r.RepoID), strings.ToLower(args[0])) {
			data = append(data, []string{
				r.RepoID,
				string(r.Type),
				strings.Join(r.Revisions, ","),
				humanize.Bytes(uint64(r.TotalSize)),
				humanize.Comma(int64(r.FileCount)),
			})
		}
	}

	processed := filepath.Join(envconfig.CacheDir(), dataset.CacheFile)
	if info, err := os.Stat(processed); err == nil {
		data = append(data, []string{processed, "processed", "-", humanize.Bytes(uint64(info.Size())), "1"})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"REPO", "TYPE", "REVISIONS", "SIZE", "FILES"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

// CacheRemoveHandler - Entfernt Repositories oder den Vorverarbeitungs-Cache
func CacheRemoveHandler(cmd *cobra.Command, args []string) error {
	if processed, _ := cmd.Flags().GetBool("processed"); processed {
		path := filepath.Join(envconfig.CacheDir(), dataset.CacheFile)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted '%s'\n", path)
	}

	typ := huggingface.RepoModel
	if isDataset, _ := cmd.Flags().GetBool("dataset"); isDataset {
		typ = huggingface.RepoDataset
	}

	client := huggingface.NewClient()
	for _, repo := range args {
		if err := client.RemoveCached(typ, repo); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted '%s'\n", repo)
	}
	return nil
}

func newCacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage downloaded models, datasets and the preprocessing cache",
	}

	listCmd := &cobra.Command{
		Use:     "list [PREFIX]",
		Aliases: []string{"ls"},
		Short:   "List cached hub repositories",
		Args:    cobra.MaximumNArgs(1),
		RunE:    CacheListHandler,
	}

	removeCmd := &cobra.Command{
		Use:     "rm REPO [REPO...]",
		Aliases: []string{"remove"},
		Short:   "Remove cached hub repositories",
		Args: func(cmd *cobra.Command, args []string) error {
			if processed, _ := cmd.Flags().GetBool("processed"); processed {
				return nil
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		RunE: CacheRemoveHandler,
	}
	removeCmd.Flags().Bool("dataset", false, "Treat REPO as a dataset id")
	removeCmd.Flags().Bool("processed", false, "Remove the tokenized dataset cache")

	cacheCmd.AddCommand(listCmd, removeCmd)
	return cacheCmd
}
