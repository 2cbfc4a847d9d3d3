// Package prereqs inspects the host at startup and warns when the engine is
// about to run somewhere its storage counters and schedulers have not been
// validated. The check never blocks boot; it only logs.
package prereqs

import (
	"context"
	"math/bits"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// host names an os/arch pair the engine is validated on. For darwin the
// kernel release reported by uname must be at least minDarwinMajor.minor.
type host struct {
	os             string
	arch           string
	minDarwinMajor int
	minDarwinMinor int
}

var (
	// shellOutput is swapped out by tests to fake the uname probe.
	shellOutput = runShellOutput
	hostOS      = runtime.GOOS
	hostArch    = runtime.GOARCH
)

func runShellOutput(ctx context.Context, command string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, command, args...).Output() // #nosec G204
	if err != nil {
		return "", errors.Wrap(err, "command execution failed")
	}
	return string(out), nil
}

// validatedHosts lists where the engine's adapter and scheduler test matrix
// runs. darwin 10.14 is the oldest kernel the matrix covers.
func validatedHosts() []host {
	return []host{
		{os: "linux", arch: "amd64"},
		{os: "linux", arch: "arm64"},
		{os: "darwin", arch: "amd64", minDarwinMajor: 10, minDarwinMinor: 14},
		{os: "darwin", arch: "arm64", minDarwinMajor: 11},
		{os: "windows", arch: "amd64"},
	}
}

// parseRelease splits a kernel release string like "10.15.7" and returns the
// first want numeric components.
func parseRelease(input string, want int) ([]int, error) {
	parts := strings.Split(strings.TrimSpace(input), ".")
	if len(parts) < want {
		return nil, errors.Errorf("release string %q has fewer than %d components", input, want)
	}
	release := make([]int, want)
	for i := range release {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return nil, errors.Wrapf(err, "release component %q is not a number", parts[i])
		}
		release[i] = n
	}
	return release, nil
}

func darwinRecentEnough(ctx context.Context, h host) (bool, error) {
	out, err := shellOutput(ctx, "uname", "-r")
	if err != nil {
		return false, errors.Wrap(err, "could not read darwin kernel release")
	}
	release, err := parseRelease(out, 2)
	if err != nil {
		return false, err
	}
	if release[0] != h.minDarwinMajor {
		return release[0] > h.minDarwinMajor, nil
	}
	return release[1] >= h.minDarwinMinor, nil
}

// hostValidated reports whether the current os/arch pair is on the validated
// list, probing the kernel release for darwin hosts.
func hostValidated(ctx context.Context) (bool, error) {
	for _, h := range validatedHosts() {
		if hostOS != h.os || hostArch != h.arch {
			continue
		}
		if h.os == "darwin" && h.minDarwinMajor > 0 {
			return darwinRecentEnough(ctx, h)
		}
		return true, nil
	}
	return false, nil
}

// WarnIfHostUnsupported logs a warning when the host is off the validated
// list or when detection itself fails. XP totals and leaderboard scores are
// 64-bit values, so a 32-bit word size gets its own warning: atomic int64
// access there depends on field alignment the engine does not arrange.
func WarnIfHostUnsupported(ctx context.Context) {
	if bits.UintSize < 64 {
		log.Warn("Running on a 32-bit platform; 64-bit counters are untested here")
	}
	ok, err := hostValidated(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to detect host platform")
		return
	}
	if !ok {
		log.Warnf("Host %s/%s is not on the validated platform list "+
			"(linux/amd64, linux/arm64, darwin/amd64 10.14+, darwin/arm64, windows/amd64)",
			hostOS, hostArch)
	}
}
