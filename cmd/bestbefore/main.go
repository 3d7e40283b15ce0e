package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/bestbefore/internal/config"
	"github.com/msageha/bestbefore/internal/daemon"
	"github.com/msageha/bestbefore/internal/model"
	"github.com/msageha/bestbefore/internal/setup"
	"github.com/msageha/bestbefore/internal/uds"
)

const version = "1.0.0"

// cli holds the persistent flags shared by every subcommand.
type cli struct {
	dir     string
	jsonOut bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "bestbefore",
		Short:         "Pantry expiry tracking with offline sync and reminders",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&c.dir, "dir", "", "path to the .bestbefore directory (default: search upwards from the working directory)")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "print raw JSON")

	root.AddCommand(
		c.setupCmd(),
		c.daemonCmd(),
		c.addCmd(),
		c.editCmd(),
		c.deleteCmd(),
		c.listCmd(),
		c.replayCmd(),
		c.queueCmd(),
		c.deadLettersCmd(),
		c.categoriesCmd(),
		c.remindersCmd(),
		c.loginCmd(),
		c.logoutCmd(),
		c.statusCmd(),
		c.lookupCmd(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bestbefore %s\n", version)
		},
	}
}

func (c *cli) setupCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "setup [dir]",
		Short: "Initialize .bestbefore/ in dir (default: current directory)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			base, err := setup.Run(dir, name)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", base)
			fmt.Fprintf(cmd.OutOrStdout(), "Edit %s, then start the daemon with: bestbefore daemon\n", filepath.Join(base, config.FileName))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (default: directory name)")
	return cmd
}

func (c *cli) daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync and reminder daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			d, err := daemon.New(base, cfg)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			return d.Run()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Ask the running daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return callAndPrint(c, cmd, uds.CmdShutdown, nil, func(w io.Writer, _ map[string]string) {
				fmt.Fprintln(w, "daemon shutting down")
			})
		},
	})
	return cmd
}

func (c *cli) baseDir() (string, error) {
	if c.dir != "" {
		return c.dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	base := setup.FindBaseDir(wd)
	if base == "" {
		return "", fmt.Errorf("%s/ directory not found; run 'bestbefore setup <dir>' first", setup.DirName)
	}
	return base, nil
}

func (c *cli) loadConfig() (string, model.Config, error) {
	base, err := c.baseDir()
	if err != nil {
		return "", model.Config{}, err
	}
	cfg, err := config.Load(base)
	if err != nil {
		return "", model.Config{}, err
	}
	return base, cfg, nil
}

func (c *cli) client() (*uds.Client, error) {
	base, err := c.baseDir()
	if err != nil {
		return nil, err
	}
	return uds.NewClient(filepath.Join(base, uds.DefaultSocketName)), nil
}

// callAndPrint sends command to the daemon and prints the reply with render,
// or as JSON under --json.
func callAndPrint[T any](c *cli, cmd *cobra.Command, command string, params any, render func(io.Writer, T)) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	resp, err := client.SendCommandContext(cmd.Context(), command, params)
	if err != nil {
		return err
	}
	if c.jsonOut && resp.Success {
		return printJSON(w, resp.Data)
	}
	var out T
	if err := resp.Decode(&out); err != nil {
		return err
	}
	render(w, out)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
