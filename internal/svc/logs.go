package svc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
)

// LogOptions selects which service logs to show.
type LogOptions struct {
	Name   string
	Follow bool
	Lines  int
}

// logCommand returns the platform tool that prints the service's logs.
func logCommand(goos string, opts LogOptions) (*exec.Cmd, error) {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	n := strconv.Itoa(opts.Lines)

	switch goos {
	case "linux":
		args := []string{"-u", opts.Name, "-n", n, "--no-pager", "--output", "cat"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return exec.Command("journalctl", args...), nil
	case "darwin":
		// launchd writes stdout and stderr under /var/log
		args := []string{"-n", n}
		if opts.Follow {
			args = append(args, "-f")
		}
		args = append(args,
			fmt.Sprintf("/var/log/%s.out.log", opts.Name),
			fmt.Sprintf("/var/log/%s.err.log", opts.Name))
		return exec.Command("tail", args...), nil
	case "windows":
		script := fmt.Sprintf(
			"Get-WinEvent -FilterHashtable @{LogName='Application'; ProviderName='%s'} -MaxEvents %d -ErrorAction SilentlyContinue | "+
				"Sort-Object TimeCreated | Format-Table -Property TimeCreated, LevelDisplayName, Message -AutoSize -Wrap",
			opts.Name, opts.Lines)
		return exec.Command("powershell", "-NoProfile", "-Command", script), nil
	default:
		return nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}

// ViewLogs streams the service's logs to out.
func ViewLogs(goos string, opts LogOptions, out, errOut io.Writer) error {
	cmd, err := logCommand(goos, opts)
	if err != nil {
		return err
	}
	cmd.Stdout = out
	cmd.Stderr = errOut
	cmd.Stdin = os.Stdin
	return cmd.Run()
}
