package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// CLI 为 `judgeflow migrate` 子命令格式化输出
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI 创建 CLI，默认输出到 stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput 设置输出
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// run 执行一次变更并打印变更后的版本
func (c *CLI) run(ctx context.Context, banner, done string, op func(context.Context) error) error {
	fmt.Fprintln(c.output, banner)
	if err := op(ctx); err != nil {
		return err
	}
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "%s Schema version: %d%s\n", done, version, dirtySuffix(dirty))
	return nil
}

func (c *CLI) RunUp(ctx context.Context) error {
	return c.run(ctx, "Applying workflow and canary schema migrations...", "Done.", c.migrator.Up)
}

func (c *CLI) RunDown(ctx context.Context) error {
	return c.run(ctx, "Rolling back last migration...", "Rolled back.", c.migrator.Down)
}

func (c *CLI) RunSteps(ctx context.Context, n int) error {
	banner := fmt.Sprintf("Applying %d migration(s)...", n)
	if n < 0 {
		banner = fmt.Sprintf("Rolling back %d migration(s)...", -n)
	}
	return c.run(ctx, banner, "Done.", func(ctx context.Context) error {
		return c.migrator.Steps(ctx, n)
	})
}

// RunReset 回滚全部已应用的迁移
func (c *CLI) RunReset(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	if info.AppliedMigrations == 0 {
		fmt.Fprintln(c.output, "No migrations applied yet")
		return nil
	}
	return c.run(ctx, fmt.Sprintf("Rolling back %d migration(s)...", info.AppliedMigrations), "Reset.",
		func(ctx context.Context) error {
			return c.migrator.Steps(ctx, -info.AppliedMigrations)
		})
}

func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	return c.run(ctx, fmt.Sprintf("Migrating to version %d...", version), "Done.", func(ctx context.Context) error {
		return c.migrator.Goto(ctx, version)
	})
}

// RunForce 只改写版本号，用于修复中断后遗留的 dirty 状态
func (c *CLI) RunForce(ctx context.Context, version int) error {
	return c.run(ctx, fmt.Sprintf("Forcing version to %d...", version), "Forced.", func(ctx context.Context) error {
		return c.migrator.Force(ctx, version)
	})
}

func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		fmt.Fprintln(c.output, "No migrations applied yet.")
		return nil
	}
	fmt.Fprintf(c.output, "Current version: %d%s\n", version, dirtySuffix(dirty))
	return nil
}

// RunStatus 表格列出每个迁移及汇总
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	applied := 0
	for _, s := range statuses {
		status := "pending"
		switch {
		case s.Dirty:
			status = "dirty"
		case s.Applied:
			status = "applied"
		}
		if s.Applied {
			applied++
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, status)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.output, "\nTotal: %d, Applied: %d, Pending: %d\n", len(statuses), applied, len(statuses)-applied)
	return nil
}

func dirtySuffix(dirty bool) string {
	if dirty {
		return " (dirty)"
	}
	return ""
}
