package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/trialguard/trialguard/internal/config"
	"github.com/trialguard/trialguard/internal/domain/hashing"
	"github.com/trialguard/trialguard/internal/domain/scoring"
	"github.com/trialguard/trialguard/internal/platform/ledger/node"
	"github.com/trialguard/trialguard/internal/platform/middleware"
)

// scoreFile is the offline batch format, the same body POST /scoring/batches takes.
type scoreFile struct {
	HospitalID  string            `json:"hospital_id"`
	PatientData []json.RawMessage `json:"patient_data"`
}

func readJSON(path string, v any) error {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func scoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "score <file>",
		Short: "Score a hospital batch offline and print the summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			var in scoreFile
			if err := readJSON(args[0], &in); err != nil {
				return err
			}
			scorer, err := scoring.NewScorer(scorerConfig(cfg))
			if err != nil {
				return err
			}
			result, err := scorer.ScoreRaw(in.HospitalID, in.PatientData)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

func hashCmd() *cobra.Command {
	var algorithm string
	cmd := &cobra.Command{
		Use:   "hash <file>",
		Short: "Print the canonical content hash of a submission payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p hashing.Payload
			if err := readJSON(args[0], &p); err != nil {
				return err
			}
			hasher, err := hashing.NewHasher(hashing.Algorithm(algorithm))
			if err != nil {
				return err
			}
			sum, err := hasher.CanonicalHash(p)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{"content_hash": sum, "version": hasher.Version()})
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", string(hashing.SHA256), "Hash algorithm (sha256, sha3-256, blake2b-256)")
	return cmd
}

func ledgerNodeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "ledger-node",
		Short: "Run a standalone ledger node that remote instances anchor to",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			c, err := openChain(cfg.LedgerDataDir, logger)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Verify(); err != nil {
				return fmt.Errorf("ledger integrity check failed: %w", err)
			}

			ctx, stop := context.WithCancel(context.Background())
			defer stop()
			go c.Run(ctx, cfg.LedgerBlockInterval)

			e := echo.New()
			e.HideBanner = true
			e.HidePort = true
			e.Use(middleware.Recovery(logger))
			e.Use(middleware.RequestID())
			e.Use(middleware.Logger(logger))
			e.GET("/health", func(c echo.Context) error {
				return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
			})
			node.NewHandler(c).RegisterRoutes(e.Group("/v1"))

			logger.Info().Str("data_dir", cfg.LedgerDataDir).Dur("block_interval", cfg.LedgerBlockInterval).Msg("ledger node ready")
			return serve(e, addr, logger, stop)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8545", "Listen address")
	return cmd
}
