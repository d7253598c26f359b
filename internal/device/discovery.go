// Package device identifies the Jetson board the service is running on.
package device

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	modelPath      = "proc/device-tree/model"
	compatiblePath = "proc/device-tree/compatible"
	releasePath    = "etc/nv_tegra_release"
	hostnamePath   = "etc/hostname"
	cpuPresentPath = "sys/devices/system/cpu/present"
)

var releasePattern = regexp.MustCompile(`R(\d+) \(release\), REVISION: ([\d.]+)`)

// Info describes the board discovered under the host root.
type Info struct {
	Model          string   `json:"model"`
	Compatible     []string `json:"compatible"`
	L4TRelease     string   `json:"l4t_release"`
	Hostname       string   `json:"hostname"`
	CPUCount       int      `json:"cpu_count"`
	Jetson         bool     `json:"jetson"`
	TegrastatsPath string   `json:"tegrastats_path"`
}

// Discover reads board identification files relative to root and resolves the
// tegrastats executable. Missing files leave the matching fields empty; only a
// root that cannot be opened is an error.
func Discover(root, tegrastats string, logger *slog.Logger) (Info, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	hostRoot, err := os.OpenRoot(root)
	if err != nil {
		return Info{}, fmt.Errorf("open host root: %w", err)
	}
	defer hostRoot.Close()

	var info Info

	if data, err := hostRoot.ReadFile(modelPath); err == nil {
		info.Model = strings.TrimSpace(string(bytes.TrimRight(data, "\x00")))
	} else {
		logMissing(logger, root, modelPath, err)
	}

	if data, err := hostRoot.ReadFile(compatiblePath); err == nil {
		info.Compatible = splitNul(data)
	}

	if data, err := hostRoot.ReadFile(releasePath); err == nil {
		info.L4TRelease = parseRelease(string(data))
	} else {
		logMissing(logger, root, releasePath, err)
	}

	if data, err := hostRoot.ReadFile(hostnamePath); err == nil {
		info.Hostname = strings.TrimSpace(string(data))
	}

	if data, err := hostRoot.ReadFile(cpuPresentPath); err == nil {
		if count, err := countCPUs(strings.TrimSpace(string(data))); err == nil {
			info.CPUCount = count
		} else {
			logger.Debug("failed to parse cpu list", "err", err)
		}
	}

	info.Jetson = isJetson(info)
	info.TegrastatsPath = resolveExecutable(tegrastats)
	if info.TegrastatsPath == "" {
		logger.Warn("tegrastats executable not found", "path", tegrastats)
	}

	return info, nil
}

func logMissing(logger *slog.Logger, root, name string, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug("board file missing", "path", filepath.Join(root, name))
		return
	}
	logger.Warn("failed to read board file", "path", filepath.Join(root, name), "err", err)
}

// parseRelease turns the nv_tegra_release header into "R35.4.1".
func parseRelease(text string) string {
	m := releasePattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return "R" + m[1] + "." + m[2]
}

func splitNul(data []byte) []string {
	var out []string
	for _, part := range bytes.Split(data, []byte{0}) {
		if s := strings.TrimSpace(string(part)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// countCPUs counts entries in a kernel cpu list such as "0-3,6,8-9".
func countCPUs(list string) (int, error) {
	if list == "" {
		return 0, errors.New("empty cpu list")
	}
	total := 0
	for _, part := range strings.Split(list, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return 0, fmt.Errorf("parse cpu %q: %w", part, err)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil {
				return 0, fmt.Errorf("parse cpu %q: %w", part, err)
			}
		}
		if end < start {
			return 0, fmt.Errorf("invalid cpu range %q", part)
		}
		total += end - start + 1
	}
	return total, nil
}

func isJetson(info Info) bool {
	if strings.Contains(strings.ToLower(info.Model), "jetson") {
		return true
	}
	for _, c := range info.Compatible {
		if strings.HasPrefix(c, "nvidia,tegra") || strings.HasPrefix(c, "nvidia,p3") {
			return true
		}
	}
	return info.L4TRelease != ""
}

func resolveExecutable(name string) string {
	if name == "" {
		return ""
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
