package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/spoof-detector/internal/config"
	"github.com/example/spoof-detector/internal/grpchealth"
	"github.com/example/spoof-detector/internal/handlers"
	"github.com/example/spoof-detector/internal/logging"
	"github.com/example/spoof-detector/internal/usecase"
)

var errNotServing = errors.New("service is not serving")

func newDetectCommand() *cobra.Command {
	var imagePath string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Classify a local image file and print the API response body",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger, err := logging.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			raw, err := os.ReadFile(imagePath)
			if err != nil {
				return err
			}

			model, closeModel := loadModel(cfg, logger)
			defer closeModel()

			uc := usecase.NewDetectionUseCase(model, nil, nil, logger)
			return writeDetection(cmd.Context(), cmd.OutOrStdout(), uc, dataURL(raw))
		},
	}
	cmd.Flags().StringVarP(&imagePath, "image", "i", "", "path to a JPEG/PNG image")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func newHealthcheckCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the gRPC health service; exits non-zero unless it is serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			client, conn, err := grpchealth.Dial(ctx, addr, zap.NewNop())
			if err != nil {
				return err
			}
			defer conn.Close()

			serving, err := grpchealth.Probe(ctx, client)
			if err != nil {
				return err
			}
			if !serving {
				return errNotServing
			}
			fmt.Fprintln(cmd.OutOrStdout(), "SERVING")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:50051", "gRPC health service address")
	return cmd
}

// writeDetection prints the same JSON body POST /detect/ would return.
func writeDetection(ctx context.Context, out io.Writer, uc *usecase.DetectionUseCase, payload string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var body any
	detection, err := uc.Detect(ctx, "", payload)
	if err != nil {
		body = map[string]string{"error": handlers.PipelineMessage(err)}
	} else {
		body = detection
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(body)
}

func dataURL(raw []byte) string {
	return "data:" + http.DetectContentType(raw) + ";base64," + base64.StdEncoding.EncodeToString(raw)
}
