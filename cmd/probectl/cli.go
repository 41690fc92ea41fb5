package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/probehub/backend/internal/domain"
	"github.com/probehub/backend/internal/transport/http/dto"
	"github.com/probehub/backend/pkg/utils/sshkeygen"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

type config struct {
	server string
	token  string
}

type cli struct {
	client *apiClient
}

func newCLI() *cli {
	return &cli{}
}

func (c *cli) rootCmd() *cobra.Command {
	cfg := &config{}

	command := &cobra.Command{
		Use:          "probectl",
		Short:        "CLI for driving probehub analysis tasks",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			token := cfg.token
			if token == "" {
				token = os.Getenv("PROBEHUB_ADMIN_TOKEN")
			}
			c.client = &apiClient{
				baseURL: cfg.server,
				token:   token,
				// No client timeout: log streams stay open for the whole run.
				http: &http.Client{},
			}
			return nil
		},
	}

	command.AddCommand(
		c.startCmd(),
		c.stopCmd(),
		c.statusCmd(),
		c.logsCmd(),
		c.reportCmd(),
		c.uploadCmd(),
		keygenCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(&cfg.server, "server", "http://localhost:8080", "Server base URL")
	command.PersistentFlags().StringVar(&cfg.token, "token", "", "Admin API key (default $PROBEHUB_ADMIN_TOKEN)")

	return command
}

func (c *cli) startCmd() *cobra.Command {
	var (
		taskID   string
		apkPath  string
		pkg      string
		duration int
		mode     string
		modules  []string
		follow   bool
	)

	command := &cobra.Command{
		Use:   "start [flags] dynamic|privacy",
		Short: "Start an analysis task",
		Example: "  probectl start dynamic --apk /opt/apk/abc_app.apk\n" +
			"  probectl start privacy --package com.example.app --duration 120 --follow",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(domain.JobKindDynamic), string(domain.JobKindPrivacy)},
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				resp *dto.StartTaskResponse
				err  error
			)
			switch domain.JobKind(args[0]) {
			case domain.JobKindDynamic:
				resp, err = c.client.StartDynamic(cmd.Context(), dto.StartDynamicRequest{TaskID: taskID, ApkPath: apkPath})
			case domain.JobKindPrivacy:
				resp, err = c.client.StartPrivacy(cmd.Context(), dto.StartPrivacyRequest{
					TaskID:      taskID,
					PackageName: pkg,
					Duration:    duration,
					Mode:        mode,
					Modules:     strings.Join(modules, ","),
				})
			default:
				return fmt.Errorf("unknown kind %q", args[0])
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, resp.Task.ID)
			if resp.VNCURL != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "watch the device at %s\n", resp.VNCURL)
			}
			if follow {
				return c.followLogs(cmd, resp.Task.ID)
			}
			return nil
		},
	}

	command.Flags().StringVar(&taskID, "id", "", "Task id (default: server generated)")
	command.Flags().StringVar(&apkPath, "apk", "", "Remote APK path (dynamic)")
	command.Flags().StringVar(&pkg, "package", "", "Application package name (privacy)")
	command.Flags().IntVar(&duration, "duration", 0, "Capture duration in seconds (privacy)")
	command.Flags().StringVar(&mode, "mode", "", "spawn or attach (privacy)")
	command.Flags().StringSliceVar(&modules, "modules", nil, "Hook modules to load (privacy)")
	command.Flags().BoolVarP(&follow, "follow", "f", false, "Stream logs after starting")

	return command
}

func (c *cli) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stop [flags] TASK_ID",
		Short:   "Stop a task and run its cleanup",
		Example: "  probectl stop 1714557600123",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, warning, err := c.client.Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "ACTION\tOK\tDURATION\tERROR\t\n")
			for _, a := range res.Actions {
				fmt.Fprintf(w, "%s\t%t\t%dms\t%s\t\n", a.Name, a.OK, a.DurationMs, a.Error)
			}
			w.Flush()

			fmt.Fprintf(cmd.OutOrStdout(), "state: %s\n", res.State)
			if warning != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", warning)
			}
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status [flags] [TASK_ID]",
		Short:   "Show one task, or all known tasks",
		Example: "  probectl status\n  probectl status 1714557600123",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tasks []*domain.Task
			if len(args) == 1 {
				t, err := c.client.Task(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				tasks = []*domain.Task{t}
			} else {
				var err error
				if tasks, err = c.client.Tasks(cmd.Context()); err != nil {
					return err
				}
			}
			printTasks(cmd, tasks)
			return nil
		},
	}
}

func printTasks(cmd *cobra.Command, tasks []*domain.Task) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tKIND\tSTATE\tEXIT CODE\tLINES\tPRIVACY EVENTS\tERROR\t\n")
	for _, t := range tasks {
		exit := "-"
		if t.ExitCode != nil {
			exit = fmt.Sprint(*t.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t\n", t.ID, t.Kind, t.State, exit, t.Lines, t.PrivacyEvents, t.Error)
	}
	w.Flush()
}

func (c *cli) logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "logs [flags] TASK_ID",
		Short:   "Follow a task's log stream until it finishes",
		Example: "  probectl logs 1714557600123",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.followLogs(cmd, args[0])
		},
	}
}

func (c *cli) followLogs(cmd *cobra.Command, taskID string) error {
	out := cmd.OutOrStdout()
	return c.client.Logs(cmd.Context(), taskID, func(ev domain.LogEvent) {
		switch ev.Type {
		case domain.LogEventLog:
			fmt.Fprint(out, ev.Data)
		case domain.LogEventCompleted:
			fmt.Fprintf(cmd.ErrOrStderr(), "task %s finished: %s\n", ev.TaskID, ev.State)
		}
	})
}

func (c *cli) reportCmd() *cobra.Command {
	var dir string

	command := &cobra.Command{
		Use:     "report [flags] TASK_ID",
		Short:   "Download a task's report",
		Example: "  probectl report 1714557600123 -o ./reports",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			path, warning, err := c.client.Report(cmd.Context(), args[0], dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			if warning != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", warning)
			}
			return nil
		},
	}

	command.Flags().StringVarP(&dir, "output", "o", ".", "Directory to write the report to")
	return command
}

func (c *cli) uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "upload [flags] FILE...",
		Short:   "Upload APK/IPA files to the sandbox",
		Example: "  probectl upload app-release.apk",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, file := range args {
				res, err := c.client.Upload(cmd.Context(), file)
				if err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.RemotePath)
			}
			return nil
		},
	}
}

func keygenCmd() *cobra.Command {
	var (
		path    string
		comment string
		force   bool
	)

	command := &cobra.Command{
		Use:   "keygen [flags]",
		Short: "Generate the Ed25519 key the server uses to reach the sandbox",
		// Local only; skips the root's client setup.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := sshkeygen.GenerateEd25519KeyPair(path, comment, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "private key: %s\npublic key: %s\nappend this line to the sandbox's authorized_keys:\n",
				kp.PrivateKeyPath, kp.PublicKeyPath)
			fmt.Fprintln(cmd.OutOrStdout(), kp.AuthorizedKey)
			return nil
		},
	}

	home, _ := os.UserHomeDir()
	command.Flags().StringVar(&path, "path", filepath.Join(home, ".ssh", "probehub_ed25519"), "Private key path")
	command.Flags().StringVar(&comment, "comment", "probehub", "Key comment")
	command.Flags().BoolVar(&force, "force", false, "Overwrite an existing key")
	return command
}
