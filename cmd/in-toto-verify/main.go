// Command in-toto-verify checks a software supply chain's link metadata
// against a signed layout and reports pass or fail.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/D-Pow/in-toto/in_toto"
	"github.com/D-Pow/in-toto/internal/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		layoutPath string
		layoutKeys []string
		threshold  int
		linkDir    string
		workDir    string
		parallel   bool
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "in-toto-verify",
		Short: "Verify a software supply chain against a signed in-toto layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := log.New(logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			keys := make([]in_toto.Key, 0, len(layoutKeys))
			for _, path := range layoutKeys {
				key, err := loadPublicKey(path)
				if err != nil {
					return fmt.Errorf("loading layout key %q: %w", path, err)
				}
				keys = append(keys, key)
			}

			if linkDir == "" {
				linkDir = "."
			}
			if workDir == "" {
				workDir = "."
			}

			result := in_toto.Verify(context.Background(), layoutPath, keys, threshold, linkDir, in_toto.VerifyOptions{
				WorkDir:  workDir,
				Logger:   logger,
				Parallel: parallel,
			})

			for _, w := range result.Warnings {
				fmt.Fprintln(os.Stderr, "warning:", w)
			}

			if !result.Pass {
				return result.Err
			}

			fmt.Println("PASS")
			return nil
		},
	}

	cmd.Flags().StringVar(&layoutPath, "layout", "", "path to the signed layout file (required)")
	cmd.Flags().StringArrayVar(&layoutKeys, "layout-key", nil, "path to a JSON-encoded public key authorized to sign the layout (repeatable)")
	cmd.Flags().IntVar(&threshold, "layout-threshold", 1, "number of distinct layout keys that must verify")
	cmd.Flags().StringVar(&linkDir, "link-dir", ".", "directory containing link metadata files")
	cmd.Flags().StringVar(&workDir, "work-dir", ".", "directory inspections are run in")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "verify independent steps concurrently")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.MarkFlagRequired("layout") //nolint:errcheck

	return cmd
}

// loadPublicKey reads a public key file holding a bare JSON encoding of
// in_toto.Key (public half only).
func loadPublicKey(path string) (in_toto.Key, error) {
	var key in_toto.Key
	data, err := os.ReadFile(path)
	if err != nil {
		return key, err
	}
	if err := json.Unmarshal(data, &key); err != nil {
		return key, err
	}
	return key, nil
}
