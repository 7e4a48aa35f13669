package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/config"
	"github.com/aws-samples/s3-prefix-level-kms-keys/reconciler"
	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

var checkVersionID string

var checkCmd = &cobra.Command{
	Use:   "check s3://bucket/key",
	Short: "Evaluate one object against its prefix policy without changing it",
	Long: `Read the object's encryption, resolve the policy of its prefix and print
the verdict. Nothing is copied and no audit record is written.`,
	Example: `  prefixkms check -c prefixkms.yaml s3://tenant-data/prefix1/report.csv
  prefixkms check -c prefixkms.yaml s3://tenant-data/prefix1/report.csv --version-id 3HL4kqtJlcpXroDTDmJ`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve s3://bucket/key",
	Short: "Print the policy that applies to a key",
	Long: `Resolve the longest configured prefix matching the key. The object does
not need to exist.`,
	Example: `  prefixkms resolve -c prefixkms.yaml s3://tenant-data/prefix1/bbcdef.txt`,
	Args:    cobra.ExactArgs(1),
	RunE:    runResolve,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(resolveCmd)

	checkCmd.Flags().StringVar(&checkVersionID, "version-id", "", "Check a specific object version")
}

// checkReport is what check prints
type checkReport struct {
	Object   string                `json:"object"`
	Policy   *types.PrefixPolicy   `json:"policy"`
	State    types.EncryptionState `json:"state"`
	Decision types.Decision        `json:"decision"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	event, err := parseObject(args[0])
	if err != nil {
		return err
	}
	if checkVersionID != "" {
		event.VersionID = checkVersionID
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		versionID := ""
		if event.Versioned() {
			versionID = event.VersionID
		}
		state, err := a.inspector.Inspect(ctx, event.Bucket, event.Key, versionID)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", event.ObjectPath(), err)
		}

		required, err := a.resolver.Resolve(ctx, event.Bucket, event.Key)
		if err != nil {
			return err
		}
		if required != nil && a.keys != nil {
			canonical, err := a.keys.CanonicalPolicy(ctx, *required)
			if err != nil {
				return err
			}
			required = &canonical
		}

		return writeJSON(cmd.OutOrStdout(), checkReport{
			Object:   event.ObjectPath(),
			Policy:   required,
			State:    state,
			Decision: reconciler.Evaluate(required, state),
		})
	})
}

func runResolve(cmd *cobra.Command, args []string) error {
	event, err := parseObject(args[0])
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		required, err := a.resolver.Resolve(ctx, event.Bucket, event.Key)
		if err != nil {
			return err
		}
		if required == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "no policy for s3://%s/%s\n", event.Bucket, event.Key)
			return nil
		}
		return writeJSON(cmd.OutOrStdout(), required)
	})
}

// withApp wires the pipeline from the loaded config for a command
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return runWithApp(cmd, cfg, fn)
}

func runWithApp(cmd *cobra.Command, cfg *config.Config, fn func(ctx context.Context, a *app) error) error {
	logger := setupLogger(cfg)
	ctx := cmd.Context()

	a, err := buildApp(ctx, cfg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()
	if err != nil {
		return err
	}
	return fn(ctx, a)
}
