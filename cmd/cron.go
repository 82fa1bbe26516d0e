package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/tinycrab/internal/config"
	"github.com/nextlevelbuilder/tinycrab/internal/cron"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect the gateway's scheduled jobs",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronRemoveCmd())
	return cmd
}

func openCronStore() (*cron.Service, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.DataDir, "cron.json")
	return cron.NewService(path, nil, nil)
}

func cronListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openCronStore()
			if err != nil {
				return err
			}
			jobs := svc.List(all)
			if len(jobs) == 0 {
				fmt.Println("No scheduled jobs.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tNEXT RUN\tLAST STATUS")
			for _, j := range jobs {
				next := "-"
				if j.State.NextRunMs > 0 {
					next = time.UnixMilli(j.State.NextRunMs).Format("2006-01-02 15:04:05")
				}
				status := j.State.LastStatus
				if status == "" {
					status = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Name, describeSchedule(j.Schedule), next, status)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include disabled jobs")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			// A running gateway owns the job store; rewriting it from a
			// second process would lose whatever the gateway writes next.
			if pid, live := liveGatewayPid(cfg.DataDir); live {
				return fmt.Errorf("a gateway (pid %d) owns the job store; ask it to cancel the job, or stop it first", pid)
			}
			svc, err := cron.NewService(filepath.Join(cfg.DataDir, "cron.json"), nil, nil)
			if err != nil {
				return err
			}
			if !svc.Remove(args[0]) {
				return fmt.Errorf("no job with id %s", args[0])
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		},
	}
}

// liveGatewayPid reports the pid from <data>/gateway.pid when that
// process is still alive. A missing, unreadable, or stale file means no
// gateway owns the store.
func liveGatewayPid(dataDir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dataDir, "gateway.pid"))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if proc.Signal(syscall.Signal(0)) != nil {
		return 0, false
	}
	return pid, true
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case "at":
		return "at " + time.UnixMilli(s.AtMs).Format(time.RFC3339)
	case "every":
		return fmt.Sprintf("every %s", time.Duration(s.EveryMs)*time.Millisecond)
	case "cron":
		if s.TZ != "" {
			return s.Expr + " (" + s.TZ + ")"
		}
		return s.Expr
	}
	return s.Kind
}
