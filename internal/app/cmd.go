package app

import (
	"io"

	"github.com/spf13/cobra"
)

// NewRootCommand はryoaのルートコマンドを生成する。
// サブコマンドなしで実行した場合はserveとして起動する。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "ryoa",
		Short: "Session and OAuth authentication server",
		Long: `ryoa issues signed session cookies backed by a session store,
links GitHub and Linear accounts to local users, and guards routes by role.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	root.SetOut(w)
	root.SetErr(w)

	root.AddCommand(
		serveCmd(w),
		migrateCmd(w),
		sweepCmd(w),
		healthcheckCmd(),
	)

	return root
}

func serveCmd(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func migrateCmd(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply all pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			return runMigrate(cfg)
		},
	}
}

func sweepCmd(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired sessions once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			return runSweep(cmd.Context(), cfg)
		},
	}
}

// healthcheckCmd は軽量サブコマンドのため、フル初期化をスキップする。
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the local /health endpoint (for distroless containers)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(cmd.Context(), serverPort())
		},
	}
}
