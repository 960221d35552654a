package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/audit"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/catalog"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/config"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/replay"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect capability, blueprint and simulation catalogs",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the catalogs and the kernel policy and report every problem",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return validateCatalogs(cmd.OutOrStdout(), cfg)
	},
}

func validateCatalogs(out io.Writer, cfg *config.Config) error {
	cat, err := catalog.LoadDir(cfg.CatalogDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "capabilities: %d\n", len(cat.Capabilities.IDs()))
	for _, w := range cat.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	if _, err := os.Stat(cfg.PolicyPath); err == nil {
		p, err := config.LoadPolicy(cfg.PolicyPath)
		if err != nil {
			return err
		}
		if _, err := p.AccessDecider(); err != nil {
			return err
		}
		fmt.Fprintf(out, "policy: %d lane(s), %d engine(s)\n", len(p.Lanes), len(p.Engines))
	}
	fmt.Fprintln(out, "catalogs are valid")
	return nil
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild and verify projections from the ledger",
}

var replayVerifyCmd = &cobra.Command{
	Use:   "verify [stream]",
	Short: "Verify one stream, or every stream under --prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, _ := cmd.Flags().GetString("prefix")
		return withDiagnostics(cmd, func(ctx context.Context, d *replay.Diagnostics) error {
			var reports []replay.Report
			if len(args) == 1 {
				rep, err := d.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				reports = append(reports, rep)
			} else {
				var err error
				if reports, err = d.VerifyAll(ctx, prefix); err != nil {
					return err
				}
			}
			bad := 0
			for _, rep := range reports {
				if !rep.OK() {
					bad++
				}
			}
			if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
				return err
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d stream(s) failed verification", bad, len(reports))
			}
			return nil
		})
	},
}

var replayRebuildCmd = &cobra.Command{
	Use:   "rebuild <stream>",
	Short: "Replay a stream from sequence 1 and rewrite its projection table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDiagnostics(cmd, func(ctx context.Context, d *replay.Diagnostics) error {
			set, err := d.Rebuild(ctx, args[0])
			if err != nil {
				return err
			}
			digest, err := set.Digest()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d record(s), digest %s\n", args[0], len(set), digest)
			return nil
		})
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Operator actions on ledger streams",
}

var ledgerResumeCmd = &cobra.Command{
	Use:   "resume <stream>",
	Short: "Clear an integrity halt after checking the stored chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDiagnostics(cmd, func(ctx context.Context, d *replay.Diagnostics) error {
			if err := d.Resume(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s resumed\n", args[0])
			return nil
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Read and archive audit trails",
}

var auditTrailCmd = &cobra.Command{
	Use:   "trail <correlation-id>",
	Short: "Print the audit trail of one correlation id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDiagnostics(cmd, func(ctx context.Context, d *replay.Diagnostics) error {
			events, err := d.AuditTrail(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		})
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export <correlation-id>",
	Short: "Write the audit trail of one correlation id to the configured archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		ctx := cmd.Context()

		sink, err := audit.NewSink(ctx, audit.SinkConfig{
			Type:     cfg.ArchiveType,
			Dir:      cfg.ArchiveDir,
			Bucket:   cfg.ArchiveBucket,
			Region:   cfg.ArchiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
		})
		if err != nil {
			return err
		}
		st, err := openStorage(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		key, n, err := audit.NewArchiver(st.audits, sink, "audit/").Export(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d event(s) to %s\n", n, key)
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogValidateCmd)
	replayVerifyCmd.Flags().String("prefix", "", "verify every stream with this prefix, e.g. workorder/")
	replayCmd.AddCommand(replayVerifyCmd, replayRebuildCmd)
	ledgerCmd.AddCommand(ledgerResumeCmd)
	auditCmd.AddCommand(auditTrailCmd, auditExportCmd)
}

func withDiagnostics(cmd *cobra.Command, fn func(context.Context, *replay.Diagnostics) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	st, err := openStorage(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cmd.Context(), st.diag)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
