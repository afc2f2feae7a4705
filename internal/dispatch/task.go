package dispatch

import (
	"errors"
	"fmt"
	"time"
)

var ErrUnknownTaskKind = errors.New("unknown task kind")

// Kind selects how a Task's argument is rendered into the remote command.
type Kind int

const (
	ShellCommand Kind = iota
	ImagePull
	ImageBuild
	ImagePush
)

func (k Kind) String() string {
	switch k {
	case ShellCommand:
		return "shell_command"
	case ImagePull:
		return "image_pull"
	case ImageBuild:
		return "image_build"
	case ImagePush:
		return "image_push"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Task is an immutable description of one unit of work across a set of
// nodes. Command carries the kind's primary argument: the command text for
// ShellCommand, the image ref for pull/push, the build context path for
// build.
type Task struct {
	Kind       Kind
	Command    string
	NodeIDs    []int // empty means all enabled nodes
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
	BuildTag   string // ImageBuild only
}

// Render produces the remote command for the task's kind.
func (t Task) Render() (string, error) {
	switch t.Kind {
	case ShellCommand:
		return t.Command, nil
	case ImagePull:
		return "docker pull " + t.Command, nil
	case ImagePush:
		return "docker push " + t.Command, nil
	case ImageBuild:
		tag := t.BuildTag
		if tag == "" {
			tag = "latest"
		}
		return fmt.Sprintf("docker build -t %s %s", tag, t.Command), nil
	default:
		return "", fmt.Errorf("%w: %d", ErrUnknownTaskKind, int(t.Kind))
	}
}

// Result is the outcome of one (Task, Node) pair. ExitCode is nil when the
// command never ran (connect failure, transport fault).
type Result struct {
	NodeID      int
	NodeName    string
	NodeAddress string
	Kind        Kind
	Command     string // rendered remote command
	Success     bool
	ExitCode    *int
	Stdout      string
	Stderr      string
	Elapsed     time.Duration
	Error       string
	Attempts    int // retries consumed; 0 means the first attempt decided it
}
