// Package script runs local scripts on remote nodes, either by staging them
// to a temporary path or by inlining their content into a single command.
package script

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/GuIIWen/Xpod-Executor/internal/config"
	"github.com/GuIIWen/Xpod-Executor/internal/dispatch"
	"github.com/GuIIWen/Xpod-Executor/pkg/lg"
)

var ErrScriptNotFound = errors.New("script file not found")

const (
	stageTimeout   = 30 * time.Second
	chmodTimeout   = 10 * time.Second
	cleanupTimeout = 10 * time.Second
)

// Runner executes scripts through the dispatcher (inline, URL) or directly
// against the session pool (staged, multi-step).
type Runner struct {
	pool       dispatch.Pool
	dispatcher *dispatch.Dispatcher
	nodes      dispatch.NodeSource
	log        lg.Logger
}

func NewRunner(pool dispatch.Pool, d *dispatch.Dispatcher, nodes dispatch.NodeSource, logger lg.Logger) *Runner {
	if logger == nil {
		logger = lg.Discard
	}
	return &Runner{pool: pool, dispatcher: d, nodes: nodes, log: logger}
}

// RunInline reads the script and submits its whole content as one shell
// command, avoiding the stage/chmod/run/cleanup round trips. Preferred
// strategy. Positional arguments are bound with a `set --` prefix line.
func (r *Runner) RunInline(scriptPath string, nodeIDs []int, args string, timeout time.Duration) ([]dispatch.Result, error) {
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, scriptPath)
	}
	raw, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", scriptPath, err)
	}
	content := InlineCommand(strings.TrimSpace(string(raw)), args)

	r.log.Info("running script inline", lg.String("script", scriptPath))
	return r.dispatcher.RunShell(content, nodeIDs, timeout)
}

// InlineCommand prepends a positional-parameter binding to the script body.
func InlineCommand(content, args string) string {
	if args == "" {
		return content
	}
	quoted := make([]string, 0, 8)
	for _, a := range strings.Fields(args) {
		quoted = append(quoted, `"`+a+`"`)
	}
	return "set -- " + strings.Join(quoted, " ") + "\n" + content
}

// RunFromURL downloads, chmods, runs, and removes the script in one atomic
// command string; any inner step failing surfaces only as a non-zero exit.
func (r *Runner) RunFromURL(scriptURL string, nodeIDs []int, args string, timeout time.Duration) ([]dispatch.Result, error) {
	remotePath := "/tmp/" + path.Base(scriptURL)
	command := fmt.Sprintf(`curl -fsSL -o %[1]s "%[2]s" || wget -q -O %[1]s "%[2]s"
chmod +x %[1]s
bash %[1]s %[3]s
rm -f %[1]s`, remotePath, scriptURL, args)

	r.log.Info("running script from url", lg.String("url", scriptURL))
	return r.dispatcher.RunShell(command, nodeIDs, timeout)
}

// RunStaged uploads the script to remoteDir on each node, makes it
// executable, runs it with the matching interpreter, and removes it.
// Cleanup failures are not surfaced.
func (r *Runner) RunStaged(scriptPath string, nodeIDs []int, args string, timeout time.Duration, remoteDir string) ([]dispatch.Result, error) {
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, scriptPath)
	}
	raw, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", scriptPath, err)
	}
	if remoteDir == "" {
		remoteDir = "/tmp"
	}
	remotePath := remoteDir + "/" + filepath.Base(scriptPath)
	return r.runStagedContent(string(raw), remotePath, nodeIDs, args, timeout)
}

// RunContent stages literal script content under a chosen name.
func (r *Runner) RunContent(content string, nodeIDs []int, args string, timeout time.Duration, scriptName string) ([]dispatch.Result, error) {
	if scriptName == "" {
		scriptName = "temp_script.sh"
	}
	return r.runStagedContent(content, "/tmp/"+scriptName, nodeIDs, args, timeout)
}

func (r *Runner) runStagedContent(content, remotePath string, nodeIDs []int, args string, timeout time.Duration) ([]dispatch.Result, error) {
	var targets []config.Node
	if len(nodeIDs) == 0 {
		targets = r.nodes.Nodes(true)
	} else {
		targets = r.nodes.NodesByIDs(nodeIDs)
	}

	r.log.Info("staging script", lg.String("remote", remotePath), lg.Int("nodes", len(targets)))

	results := make([]dispatch.Result, 0, len(targets))
	for _, node := range targets {
		results = append(results, r.stageAndRun(node, content, remotePath, args, timeout))
	}
	return results, nil
}

// stageAndRun performs the write/chmod/run/cleanup sequence on one node.
// Each step's failure short-circuits the rest and becomes the node's result.
func (r *Runner) stageAndRun(node config.Node, content, remotePath, args string, timeout time.Duration) dispatch.Result {
	start := time.Now()
	res := dispatch.Result{
		NodeID:      node.ID,
		NodeName:    node.Name,
		NodeAddress: node.Address,
		Kind:        dispatch.ShellCommand,
		Command:     fmt.Sprintf("run script: %s %s", remotePath, args),
	}
	fail := func(msg string) dispatch.Result {
		res.Error = msg
		res.Elapsed = time.Since(start)
		return res
	}

	if !r.pool.IsAlive(node) {
		if !r.pool.Connect(node) {
			return fail(fmt.Sprintf("cannot connect to node %s (%s)", node.Name, node.Address))
		}
	}

	stage := fmt.Sprintf("cat > %s << 'XPOD_EOF'\n%s\nXPOD_EOF\n", remotePath, content)
	code, _, stderr, err := r.pool.Execute(node, stage, stageTimeout)
	if err != nil {
		return fail(fmt.Sprintf("stage script: %v", err))
	}
	if code != 0 {
		return fail("stage script: " + stderr)
	}

	code, _, stderr, err = r.pool.Execute(node, "chmod +x "+remotePath, chmodTimeout)
	if err != nil {
		return fail(fmt.Sprintf("chmod script: %v", err))
	}
	if code != 0 {
		return fail("chmod script: " + stderr)
	}

	runCmd := InterpreterCommand(remotePath, content, args)
	r.log.Debug("executing staged script",
		lg.String("node", node.Name), lg.String("command", runCmd))

	code, stdout, stderr, err := r.pool.Execute(node, runCmd, timeout)
	if err != nil {
		res.Stdout = stdout
		res.Stderr = stderr
		return fail(err.Error())
	}
	res.ExitCode = &code
	res.Stdout = stdout
	res.Stderr = stderr
	res.Success = code == 0

	// best-effort cleanup
	_, _, _, _ = r.pool.Execute(node, "rm -f "+remotePath, cleanupTimeout)

	res.Elapsed = time.Since(start)
	return res
}

// InterpreterCommand picks how to invoke the staged script: python3 for .py
// or a Python shebang, bash for shell extensions/shebangs or no shebang at
// all, and direct execution for anything else so the remote shebang decides.
func InterpreterCommand(remotePath, content, args string) string {
	ext := strings.ToLower(filepath.Ext(remotePath))
	withArgs := func(cmd string) string {
		if args == "" {
			return cmd
		}
		return cmd + " " + args
	}

	switch {
	case ext == ".py",
		strings.HasPrefix(content, "#!/usr/bin/env python"),
		strings.HasPrefix(content, "#!/usr/bin/python"):
		return withArgs("python3 " + remotePath)
	case ext == ".sh", ext == ".bash",
		strings.HasPrefix(content, "#!/bin/bash"),
		strings.HasPrefix(content, "#!/usr/bin/bash"),
		strings.HasPrefix(content, "#!/bin/sh"):
		return withArgs("bash " + remotePath)
	case strings.HasPrefix(content, "#!"):
		return withArgs(remotePath)
	default:
		return withArgs("bash " + remotePath)
	}
}
