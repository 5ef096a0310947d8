package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kirky-X/limiteron/pkg/cli"
	"github.com/Kirky-X/limiteron/pkg/config"
	"github.com/Kirky-X/limiteron/pkg/flow/ban"
)

var bansFlags struct {
	format     string
	target     string
	targetType string
	reason     string
	duration   time.Duration
	actor      string
	activeOnly bool
	limit      int
	offset     int
}

var bansCmd = &cobra.Command{
	Use:   "bans",
	Short: "Manage the ban list",
	Long:  `Inspect and modify the ban list stored in the configured backend.`,
}

var bansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ban records",
	Long: `List ban records with optional filters.

Examples:
  # All records
  limiteron bans list

  # Active IP bans as JSON
  limiteron bans list --active --type ip --format json

  # Export to CSV
  limiteron bans list --format csv > bans.csv`,
	RunE: runBansList,
}

var bansAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Ban a target",
	Long: `Create a manual ban for a target.

A manual ban without --duration is permanent. Manual bans take
precedence over automatic ones and are never shortened by escalation.`,
	RunE: runBansAdd,
}

var bansRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Lift the active ban on a target",
	RunE:  runBansRemove,
}

func init() {
	rootCmd.AddCommand(bansCmd)
	bansCmd.AddCommand(bansListCmd, bansAddCmd, bansRemoveCmd)

	bansCmd.PersistentFlags().StringVar(&bansFlags.format, "format", "text", "output format (text, json, csv)")

	bansListCmd.Flags().StringVar(&bansFlags.target, "target", "", "substring filter on the target")
	bansListCmd.Flags().StringVar(&bansFlags.targetType, "type", "", "target type filter (ip, user, mac)")
	bansListCmd.Flags().BoolVar(&bansFlags.activeOnly, "active", false, "only records currently in force")
	bansListCmd.Flags().IntVar(&bansFlags.limit, "limit", 0, "page size")
	bansListCmd.Flags().IntVar(&bansFlags.offset, "offset", 0, "page offset")

	bansAddCmd.Flags().StringVar(&bansFlags.target, "target", "", "target value to ban")
	bansAddCmd.Flags().StringVar(&bansFlags.targetType, "type", "ip", "target type (ip, user, mac)")
	bansAddCmd.Flags().StringVar(&bansFlags.reason, "reason", "", "ban reason")
	bansAddCmd.Flags().DurationVar(&bansFlags.duration, "duration", 0, "ban duration (0 = permanent)")

	bansRemoveCmd.Flags().StringVar(&bansFlags.target, "target", "", "target value to unban")
	bansRemoveCmd.Flags().StringVar(&bansFlags.actor, "actor", "", "who is lifting the ban")
}

// openBanManager opens the configured ban backend directly. Commands run
// against the same store the server uses.
func openBanManager() (*ban.Manager, func(), error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, nil, cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}

	var store ban.Store
	if cfg.Ban.Backend == "sqlite" {
		store, err = ban.NewSQLiteStore(cfg.Ban.Path)
		if err != nil {
			return nil, nil, cli.NewCommandError("bans", err)
		}
	} else {
		store = ban.NewMemoryStore()
	}

	manager, err := ban.NewManager(store, ban.ManagerConfig{
		BaseDuration:     cfg.Ban.BaseDuration,
		EscalationFactor: cfg.Ban.EscalationFactor,
		MaxDuration:      cfg.Ban.MaxDuration,
	})
	if err != nil {
		store.Close()
		return nil, nil, cli.NewCommandError("bans", err)
	}

	return manager, func() { store.Close() }, nil
}

// banTable renders records for the text and CSV formatters.
type banTable []*ban.Record

func (t banTable) Headers() []string {
	return []string{"target", "type", "source", "offenses", "reason", "created_at", "expires_at", "state"}
}

func (t banTable) Rows() [][]string {
	now := time.Now()
	rows := make([][]string, 0, len(t))
	for _, r := range t {
		expires := "never"
		if !r.ExpiresAt.IsZero() {
			expires = r.ExpiresAt.Format(time.RFC3339)
		}
		state := "expired"
		if r.ActiveAt(now) {
			state = "active"
		} else if r.UnbannedAt != nil {
			state = "unbanned"
		}
		rows = append(rows, []string{
			r.Target,
			r.TargetType,
			string(r.Source),
			strconv.Itoa(r.Offenses),
			r.Reason,
			r.CreatedAt.Format(time.RFC3339),
			expires,
			state,
		})
	}
	return rows
}

func runBansList(cmd *cobra.Command, args []string) error {
	manager, closeStore, err := openBanManager()
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := manager.List(context.Background(), ban.Filter{
		TargetType:    bansFlags.targetType,
		TargetPattern: bansFlags.target,
		ActiveOnly:    bansFlags.activeOnly,
		Limit:         bansFlags.limit,
		Offset:        bansFlags.offset,
	})
	if err != nil {
		return cli.NewCommandError("bans list", err)
	}

	formatter := cli.NewFormatter(cli.OutputFormat(bansFlags.format))
	if _, ok := formatter.(*cli.JSONFormatter); ok {
		return formatter.FormatTo(os.Stdout, records)
	}
	return formatter.FormatTo(os.Stdout, banTable(records))
}

func runBansAdd(cmd *cobra.Command, args []string) error {
	if bansFlags.target == "" {
		return cli.NewConfigError("target", "is required")
	}
	if bansFlags.reason == "" {
		return cli.NewConfigError("reason", "is required")
	}

	manager, closeStore, err := openBanManager()
	if err != nil {
		return err
	}
	defer closeStore()

	record, err := manager.Ban(context.Background(), ban.BanRequest{
		Target:     bansFlags.target,
		TargetType: bansFlags.targetType,
		Reason:     bansFlags.reason,
		Source:     ban.SourceManual,
		Duration:   bansFlags.duration,
	})
	if err != nil {
		return cli.NewCommandError("bans add", err)
	}

	expires := "never"
	if !record.ExpiresAt.IsZero() {
		expires = record.ExpiresAt.Format(time.RFC3339)
	}
	fmt.Printf("banned %s (%s) until %s\n", record.Target, record.TargetType, expires)
	return nil
}

func runBansRemove(cmd *cobra.Command, args []string) error {
	if bansFlags.target == "" {
		return cli.NewConfigError("target", "is required")
	}

	manager, closeStore, err := openBanManager()
	if err != nil {
		return err
	}
	defer closeStore()

	record, err := manager.Unban(context.Background(), bansFlags.target, bansFlags.actor)
	if err != nil {
		return cli.NewCommandError("bans remove", err)
	}
	if record == nil {
		fmt.Printf("%s is not banned\n", bansFlags.target)
		return nil
	}
	fmt.Printf("unbanned %s\n", record.Target)
	return nil
}
