package dispatch

import "time"

// Default per-kind timeouts, used when the caller passes zero.
const (
	DefaultShellTimeout = 300 * time.Second
	DefaultPullTimeout  = 600 * time.Second
	DefaultBuildTimeout = 1800 * time.Second
	DefaultPushTimeout  = 600 * time.Second
)

func (d *Dispatcher) newTask(kind Kind, arg string, nodeIDs []int, timeout, fallback time.Duration) Task {
	if timeout <= 0 {
		timeout = fallback
	}
	return Task{
		Kind:       kind,
		Command:    arg,
		NodeIDs:    nodeIDs,
		Timeout:    timeout,
		RetryCount: d.policy.RetryCount,
		RetryDelay: d.policy.RetryDelay(),
	}
}

// RunShell executes a shell command verbatim on the target nodes.
func (d *Dispatcher) RunShell(command string, nodeIDs []int, timeout time.Duration) ([]Result, error) {
	return d.Run(d.newTask(ShellCommand, command, nodeIDs, timeout, DefaultShellTimeout))
}

// PullImage pulls an image on the target nodes.
func (d *Dispatcher) PullImage(imageRef string, nodeIDs []int, timeout time.Duration) ([]Result, error) {
	return d.Run(d.newTask(ImagePull, imageRef, nodeIDs, timeout, DefaultPullTimeout))
}

// BuildImage builds an image from a remote context path on the target nodes.
func (d *Dispatcher) BuildImage(contextPath, tag string, nodeIDs []int, timeout time.Duration) ([]Result, error) {
	t := d.newTask(ImageBuild, contextPath, nodeIDs, timeout, DefaultBuildTimeout)
	t.BuildTag = tag
	return d.Run(t)
}

// PushImage pushes an image from the target nodes.
func (d *Dispatcher) PushImage(imageRef string, nodeIDs []int, timeout time.Duration) ([]Result, error) {
	return d.Run(d.newTask(ImagePush, imageRef, nodeIDs, timeout, DefaultPushTimeout))
}
