// cmd_export.go - Export Command
// Hauptfunktionen: ExportHandler, loadBaseConfig, writeAdapter
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fimtune/fimtune/convert"
	"github.com/fimtune/fimtune/fs/ggml"
	"github.com/fimtune/fimtune/huggingface"
	"github.com/fimtune/fimtune/lora"
	"github.com/fimtune/fimtune/model"
)

// ErrNoBaseModel - weder --base noch base_model_name_or_path gesetzt
var ErrNoBaseModel = errors.New("adapter does not name its base model, use --base")

// ExportHandler - Konvertiert einen gespeicherten Adapter nach GGUF
func ExportHandler(cmd *cobra.Command, args []string) error {
	dir := args[0]

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = filepath.Join(dir, "adapter.gguf")
	}

	outtype, _ := cmd.Flags().GetString("outtype")
	kind, err := ggml.ParseTensorType(outtype)
	if err != nil {
		return err
	}

	cfg, err := lora.LoadConfig(dir)
	if err != nil {
		return err
	}

	base, _ := cmd.Flags().GetString("base")
	revision := cfg.Revision
	if base == "" {
		base = cfg.BaseModelNameOrPath
	} else {
		revision, _ = cmd.Flags().GetString("revision")
	}
	if base == "" {
		return ErrNoBaseModel
	}

	baseConfig, err := loadBaseConfig(cmd.Context(), huggingface.NewClient(), base, revision)
	if err != nil {
		return err
	}

	if err := writeAdapter(dir, baseConfig, output, kind); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
	return nil
}

// loadBaseConfig - Liest config.json lokal oder als Einzeldatei vom Hub
func loadBaseConfig(ctx context.Context, hub *huggingface.Client, base, revision string) (model.Config, error) {
	if info, err := os.Stat(base); err == nil && info.IsDir() {
		return model.LoadConfig(base)
	}

	path, err := hub.DownloadFile(ctx, huggingface.RepoModel, base, revision, "config.json")
	if err != nil {
		return model.Config{}, err
	}
	slog.Debug("base model config", "repo", base, "path", path)
	return model.LoadConfig(filepath.Dir(path))
}

// writeAdapter - Schreibt erst in eine temporaere Datei und benennt dann um
func writeAdapter(dir string, base model.Config, output string, kind ggml.TensorType) error {
	f, err := os.CreateTemp(filepath.Dir(output), filepath.Base(output)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := convert.ConvertAdapter(dir, base, f, kind); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), output)
}

func newExportCmd() *cobra.Command {
	exportCmd := &cobra.Command{
		Use:   "export ADAPTER_DIR",
		Short: "Convert a trained adapter to a GGUF LoRA adapter",
		Args:  cobra.ExactArgs(1),
		RunE:  ExportHandler,
	}

	exportCmd.Flags().StringP("output", "o", "", "Output file (default ADAPTER_DIR/adapter.gguf)")
	exportCmd.Flags().String("base", "", "Base model hub id or directory (default from adapter_config.json)")
	exportCmd.Flags().String("revision", "", "Hub revision of --base")
	exportCmd.Flags().String("outtype", strings.ToLower(ggml.TensorTypeF16.String()), "Tensor type: f16 or f32")

	return exportCmd
}
