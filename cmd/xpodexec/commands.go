package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GuIIWen/Xpod-Executor/internal/dispatch"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		nodesExpr  string
		timeoutSec int
	)
	cmd := &cobra.Command{
		Use:   "run <command>",
		Short: "Run a shell command on the selected nodes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := a.selectNodes(nodesExpr)
			if err != nil {
				return err
			}
			results, err := a.dispatcher.RunShell(
				strings.Join(args, " "), nodeIDs(targets), time.Duration(timeoutSec)*time.Second)
			if err != nil {
				return err
			}
			printResults(cmd, results)
			return nil
		},
	}
	cmd.Flags().StringVarP(&nodesExpr, "nodes", "n", "all", "node selection expression")
	cmd.Flags().IntVarP(&timeoutSec, "timeout", "t", 0, "command timeout in seconds")
	return cmd
}

func newImageCmds(a *app) *cobra.Command {
	var (
		nodesExpr  string
		timeoutSec int
		buildTag   string
	)

	image := &cobra.Command{
		Use:   "image",
		Short: "Image operations on the selected nodes",
	}
	image.PersistentFlags().StringVarP(&nodesExpr, "nodes", "n", "all", "node selection expression")
	image.PersistentFlags().IntVarP(&timeoutSec, "timeout", "t", 0, "operation timeout in seconds")

	timeout := func() time.Duration { return time.Duration(timeoutSec) * time.Second }

	pull := &cobra.Command{
		Use:   "pull <image-ref>",
		Short: "Pull an image on the selected nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := a.selectNodes(nodesExpr)
			if err != nil {
				return err
			}
			results, err := a.dispatcher.PullImage(args[0], nodeIDs(targets), timeout())
			if err != nil {
				return err
			}
			printResults(cmd, results)
			return nil
		},
	}

	push := &cobra.Command{
		Use:   "push <image-ref>",
		Short: "Push an image from the selected nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := a.selectNodes(nodesExpr)
			if err != nil {
				return err
			}
			results, err := a.dispatcher.PushImage(args[0], nodeIDs(targets), timeout())
			if err != nil {
				return err
			}
			printResults(cmd, results)
			return nil
		},
	}

	build := &cobra.Command{
		Use:   "build <context-path>",
		Short: "Build an image from a remote context path on the selected nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := a.selectNodes(nodesExpr)
			if err != nil {
				return err
			}
			results, err := a.dispatcher.BuildImage(args[0], buildTag, nodeIDs(targets), timeout())
			if err != nil {
				return err
			}
			printResults(cmd, results)
			return nil
		},
	}
	build.Flags().StringVar(&buildTag, "tag", "latest", "image tag")

	image.AddCommand(pull, push, build)
	return image
}

func newScriptCmd(a *app) *cobra.Command {
	var (
		nodesExpr  string
		timeoutSec int
		scriptArgs string
		staged     bool
		remoteDir  string
		fromURL    string
	)
	cmd := &cobra.Command{
		Use:   "script [path]",
		Short: "Run a local script (or one fetched from a URL) on the selected nodes",
		Long: `Runs a script on every selected node. By default the script content is
inlined into a single remote command; --staged uploads it to a temporary
path first, and --url fetches it on the remote side instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := a.selectNodes(nodesExpr)
			if err != nil {
				return err
			}
			timeout := time.Duration(timeoutSec) * time.Second

			var results []dispatch.Result
			switch {
			case fromURL != "":
				results, err = a.scripts.RunFromURL(fromURL, nodeIDs(targets), scriptArgs, timeout)
			case len(args) == 0:
				return fmt.Errorf("a script path or --url is required")
			case staged:
				results, err = a.scripts.RunStaged(args[0], nodeIDs(targets), scriptArgs, timeout, remoteDir)
			default:
				results, err = a.scripts.RunInline(args[0], nodeIDs(targets), scriptArgs, timeout)
			}
			if err != nil {
				return err
			}
			printResults(cmd, results)
			return nil
		},
	}
	cmd.Flags().StringVarP(&nodesExpr, "nodes", "n", "all", "node selection expression")
	cmd.Flags().IntVarP(&timeoutSec, "timeout", "t", 600, "script timeout in seconds")
	cmd.Flags().StringVar(&scriptArgs, "args", "", "positional arguments passed to the script")
	cmd.Flags().BoolVar(&staged, "staged", false, "upload to a temporary path instead of inlining")
	cmd.Flags().StringVar(&remoteDir, "remote-dir", "/tmp", "remote directory for staged scripts")
	cmd.Flags().StringVar(&fromURL, "url", "", "fetch the script from this URL on the remote side")
	return cmd
}

func newNodesCmd(a *app) *cobra.Command {
	nodes := &cobra.Command{
		Use:   "nodes",
		Short: "Inspect and manage the node inventory",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all inventory nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, n := range a.cfg.Nodes(false) {
				state := "enabled"
				if !n.Enabled {
					state = "disabled"
				}
				cmd.Printf("%3d  %-20s %-21s %s\n", n.ID, n.Name, n.Address, state)
			}
			return nil
		},
	}

	setEnabled := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <node-id>",
			Short: use + " a node",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var id int
				if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
					return fmt.Errorf("invalid node id %q", args[0])
				}
				if err := a.cfg.SetNodeEnabled(id, enabled); err != nil {
					return err
				}
				cmd.Printf("node %d %sd\n", id, use)
				return nil
			},
		}
	}

	nodes.AddCommand(list, setEnabled("enable", true), setEnabled("disable", false))
	return nodes
}

func newPingCmd(a *app) *cobra.Command {
	var nodesExpr string
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Connect to the selected nodes and report reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := a.selectNodes(nodesExpr)
			if err != nil {
				return err
			}
			status := a.pool.ConnectMany(targets, 0)
			ok := 0
			for _, n := range targets {
				if status[n.ID] {
					ok++
					cmd.Printf("✓ %s (%s)\n", n.Name, n.Address)
				} else {
					cmd.Printf("✗ %s (%s)\n", n.Name, n.Address)
				}
			}
			cmd.Printf("%d/%d reachable\n", ok, len(targets))
			return nil
		},
	}
	cmd.Flags().StringVarP(&nodesExpr, "nodes", "n", "all", "node selection expression")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent task outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.histRepo == nil {
				return fmt.Errorf("history store is disabled")
			}
			records, err := a.histRepo.ListRecent(limit)
			if err != nil {
				return err
			}
			for _, rec := range records {
				mark := "✓"
				if !rec.Success {
					mark = "✗"
				}
				cmd.Printf("%s %s  %-16s %-12s %s\n",
					mark, rec.CreatedAt.Format(time.RFC3339), rec.NodeName, rec.Kind, rec.Command)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of records to show")
	return cmd
}

// printResults is the whole presentation layer: one line per node plus the
// captured output, then a summary count.
func printResults(cmd *cobra.Command, results []dispatch.Result) {
	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
			cmd.Printf("✓ %s (%s) exit=%d %.1fs\n",
				r.NodeName, r.NodeAddress, *r.ExitCode, r.Elapsed.Seconds())
		} else {
			detail := r.Error
			if detail == "" && r.ExitCode != nil {
				detail = fmt.Sprintf("exit=%d", *r.ExitCode)
			}
			cmd.Printf("✗ %s (%s) %s\n", r.NodeName, r.NodeAddress, detail)
		}
		if out := strings.TrimSpace(r.Stdout); out != "" {
			cmd.Println(indent(out))
		}
		if errOut := strings.TrimSpace(r.Stderr); errOut != "" {
			cmd.Println(indent(errOut))
		}
	}
	cmd.Printf("%d/%d succeeded\n", ok, len(results))
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
