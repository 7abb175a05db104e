package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/mediarr/internal/ffmpeg"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Probe hardware encoders and print the selected one",
	Long: `Probe this host for hardware video encoders the way the server does at
startup, and print the encoder realtime sessions would use.`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)
}

func runDetect(cmd *cobra.Command, _ []string) error {
	ffmpegPath, err := ffmpeg.FindBinary(cfg.FFmpeg.BinaryPath, "ffmpeg", ffmpeg.EnvFFmpegBinary)
	if err != nil {
		slog.Warn("ffmpeg not found, reporting software fallback", slog.String("error", err.Error()))
		ffmpegPath = ""
	}

	detector := ffmpeg.NewDetector(ffmpegPath, cfg.FFmpeg.HWAccelPriority, cfg.FFmpeg.SoftwarePreset, slog.Default())
	caps := detector.Detect(cmd.Context())

	data, err := json.MarshalIndent(caps, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
