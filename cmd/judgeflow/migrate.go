package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/BaSui01/judgeflow/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string, out io.Writer) error {
	if len(args) < 1 {
		printMigrateUsage(out)
		return fmt.Errorf("migrate subcommand is required")
	}
	sub, rest := args[0], args[1:]
	if sub == "help" || sub == "-h" || sub == "--help" {
		printMigrateUsage(out)
		return nil
	}

	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	// goto / force / steps 需要一个位置参数
	var arg string
	switch sub {
	case "up", "down", "status", "version", "reset":
	case "goto", "force", "steps":
		if fs.NArg() < 1 {
			return fmt.Errorf("migrate %s requires an argument", sub)
		}
		arg = fs.Arg(0)
	default:
		printMigrateUsage(out)
		return fmt.Errorf("unknown migrate subcommand: %s", sub)
	}

	migrator, err := createMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(out)
	return runMigrateSubcommand(context.Background(), cli, sub, arg)
}

func runMigrateSubcommand(ctx context.Context, cli *migration.CLI, sub, arg string) error {
	switch sub {
	case "up":
		return cli.RunUp(ctx)
	case "down":
		return cli.RunDown(ctx)
	case "status":
		return cli.RunStatus(ctx)
	case "version":
		return cli.RunVersion(ctx)
	case "reset":
		return cli.RunReset(ctx)
	case "goto":
		v, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", arg, err)
		}
		return cli.RunGoto(ctx, uint(v))
	case "force":
		v, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", arg, err)
		}
		return cli.RunForce(ctx, v)
	case "steps":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("invalid step count %q: %w", arg, err)
		}
		return cli.RunSteps(ctx, n)
	}
	return fmt.Errorf("unknown migrate subcommand: %s", sub)
}

// createMigrator 优先使用 --db-type/--db-url，否则读取配置文件的数据库段
func createMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromConfig(cfg)
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Database Migration Commands

Usage:
  judgeflow migrate <subcommand> [options]

Subcommands:
  up          Apply all pending migrations
  down        Rollback the last migration
  steps <n>   Apply n migrations (negative n rolls back)
  status      Show migration status
  version     Show current migration version
  goto <v>    Migrate to a specific version
  force <v>   Force set migration version (use with caution)
  reset       Rollback all migrations

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)`)
}
