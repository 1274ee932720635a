// Package activation picks up listening sockets handed over by systemd
// socket activation (sd_listen_fds).
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// systemd passes sockets starting at fd 3
const firstFD = 3

// Listeners returns the sockets passed to this process, or nil when the
// process was not socket activated. The activation variables are cleared so
// child processes (git) do not inherit them.
func Listeners() ([]net.Listener, error) {
	n, names, err := parseEnv(os.Getenv, os.Getpid())
	if err != nil || n == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := firstFD + i
		name := "systemd-socket-" + strconv.Itoa(i)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		file := os.NewFile(uintptr(fd), name)
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("invalid activation fd %d", fd)
		}

		l, err := net.FileListener(file)
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("fd %d (%s) is not a listening socket: %w", fd, name, err)
		}
		listeners = append(listeners, l)
	}

	for _, key := range []string{"LISTEN_PID", "LISTEN_FDS", "LISTEN_FDNAMES"} {
		_ = os.Unsetenv(key)
	}
	return listeners, nil
}

// parseEnv reads the sd_listen_fds variables. It returns zero sockets when
// they are absent or addressed to a different pid.
func parseEnv(getenv func(string) string, pid int) (int, []string, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil, nil
	}
	target, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if target != pid {
		return 0, nil, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 1 {
		return 0, nil, nil
	}

	var names []string
	if raw := getenv("LISTEN_FDNAMES"); raw != "" {
		names = strings.Split(raw, ":")
	}
	return n, names, nil
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
