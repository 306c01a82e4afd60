// cmd_show.go - Show Command und Adapter-Info Anzeige
// Hauptfunktionen: ShowHandler, showGGUF, showAdapterDir
package cmd

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fimtune/fimtune/fs/ggml"
	"github.com/fimtune/fimtune/lora"
)

// ShowHandler - Zeigt einen Adapter-Ordner oder eine GGUF-Datei an
func ShowHandler(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")

	info, err := os.Stat(args[0])
	if err != nil {
		return err
	}
	if info.IsDir() {
		a, err := lora.Load(args[0])
		if err != nil {
			return err
		}
		return showAdapterDir(a, verbose, cmd.OutOrStdout())
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	gguf, err := ggml.Decode(f)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return showGGUF(gguf, verbose, cmd.OutOrStdout())
}

// tableRenderer - Gibt einen Abschnitt mit Ueberschrift als Tabelle aus
func tableRenderer(w io.Writer) func(header string, rows func() [][]string) {
	return func(header string, rows func() [][]string) {
		fmt.Fprintln(w, " ", header)
		table := tablewriter.NewWriter(w)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")
		table.AppendBulk(rows())
		table.Render()
		fmt.Fprintln(w)
	}
}

// showGGUF - Gibt Adapter-Metadaten und optional alle Schluessel und Tensoren aus
func showGGUF(f *ggml.File, verbose bool, w io.Writer) error {
	tableRender := tableRenderer(w)
	kv := f.KV

	tableRender("Adapter", func() (rows [][]string) {
		rows = append(rows, []string{"", "architecture", kv.Architecture()})
		rows = append(rows, []string{"", "type", kv.Kind() + "/" + kv.String("adapter.type")})
		rows = append(rows, []string{"", "alpha", fmt.Sprintf("%g", kv.Float("adapter.lora.alpha"))})
		rows = append(rows, []string{"", "file type", ggml.TensorType(kv.Uint("general.file_type")).String()})
		if base := kv.Value("general.base_model.0.repo_url"); base != nil {
			rows = append(rows, []string{"", "base model", fmt.Sprint(base)})
		}

		var elements uint64
		for _, t := range f.Tensors {
			elements += t.Elements()
		}
		rows = append(rows, []string{"", "tensors", humanize.Comma(int64(len(f.Tensors)))})
		rows = append(rows, []string{"", "parameters", humanize.Comma(int64(elements))})
		rows = append(rows, []string{"", "version", fmt.Sprint(f.Version)})
		return
	})

	if verbose {
		tableRender("Metadata", func() (rows [][]string) {
			keys := slices.Sorted(kv.Keys())
			for _, k := range keys {
				rows = append(rows, []string{"", k, formatValue(kv.Value(k))})
			}
			return
		})

		tableRender("Tensors", func() (rows [][]string) {
			for _, t := range f.Tensors {
				rows = append(rows, []string{"", t.Name, t.Type(), fmt.Sprint(t.Shape)})
			}
			return
		})
	}

	return nil
}

// showAdapterDir - Gibt die PEFT-Konfiguration und die Module eines Adapters aus
func showAdapterDir(a *lora.Adapter, verbose bool, w io.Writer) error {
	tableRender := tableRenderer(w)
	cfg := a.Config

	tableRender("Adapter", func() (rows [][]string) {
		rows = append(rows, []string{"", "base model", cfg.BaseModelNameOrPath})
		if cfg.Revision != "" {
			rows = append(rows, []string{"", "revision", cfg.Revision})
		}
		rows = append(rows, []string{"", "task", cfg.TaskType})
		rows = append(rows, []string{"", "r", fmt.Sprint(cfg.R)})
		rows = append(rows, []string{"", "alpha", fmt.Sprintf("%g", cfg.Alpha)})
		rows = append(rows, []string{"", "dropout", fmt.Sprintf("%g", cfg.Dropout)})
		rows = append(rows, []string{"", "target modules", strings.Join(cfg.TargetModules, ", ")})

		var params int
		for _, name := range a.Modules {
			params += len(a.A[name].Data) + len(a.B[name].Data)
		}
		rows = append(rows, []string{"", "modules", humanize.Comma(int64(len(a.Modules)))})
		rows = append(rows, []string{"", "parameters", humanize.Comma(int64(params))})
		return
	})

	if verbose {
		tableRender("Modules", func() (rows [][]string) {
			for _, name := range a.Modules {
				la, lb := a.A[name], a.B[name]
				rows = append(rows, []string{"", name,
					fmt.Sprintf("[%d %d]", la.Rows, la.Cols),
					fmt.Sprintf("[%d %d]", lb.Rows, lb.Cols)})
			}
			return
		})
	}

	return nil
}

// formatValue - Formatiert KV-Werte fuer die Anzeige
func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case bool:
		return fmt.Sprintf("%t", v)
	case float32, float64:
		return fmt.Sprintf("%g", v)
	}

	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Slice {
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return formatArrayValue(items, 10)
	}
	return fmt.Sprint(v)
}

// formatArrayValue - Formatiert Array-Werte fuer Anzeige
func formatArrayValue(vData []any, targetWidth int) string {
	var itemsToShow int
	totalWidth := 1

	for i := range vData {
		itemStr := fmt.Sprintf("%v", vData[i])
		width := runewidth.StringWidth(itemStr)

		if i > 0 {
			width += 2
		}

		if totalWidth+width > targetWidth && i > 0 {
			break
		}

		totalWidth += width
		itemsToShow++
	}

	if itemsToShow < len(vData) {
		v := fmt.Sprintf("%v", vData[:itemsToShow])
		v = strings.TrimSuffix(v, "]")
		v += fmt.Sprintf(" ...+%d more]", len(vData)-itemsToShow)
		return v
	}
	return fmt.Sprintf("%v", vData)
}

func newShowCmd() *cobra.Command {
	showCmd := &cobra.Command{
		Use:   "show ADAPTER_DIR|FILE.gguf",
		Short: "Show information for an adapter",
		Args:  cobra.ExactArgs(1),
		RunE:  ShowHandler,
	}

	showCmd.Flags().BoolP("verbose", "v", false, "Show all metadata, tensors and modules")

	return showCmd
}
