// Package config resolves the handful of configuration inputs the
// supervisor and the heartbeat emitter need that don't come from the
// store: the symlink-prefix file and the platform boot-parameter source.
// Matches the teacher's pattern of no config-file layer beyond what is
// read directly with os.ReadFile — there is no YAML/TOML parser anywhere
// in the pack for this kind of single-value lookup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultSymlinkPrefix is used when no symlink-prefix file is present.
const DefaultSymlinkPrefix = "/dev/VC0-"

// SymlinkPrefixPath is the default location of the one-line symlink-prefix
// override file.
const SymlinkPrefixPath = "/etc/console-proxy/symlink-prefix"

// ResolveSymlinkPrefix reads the one-line ASCII symlink-prefix file at
// path; if it does not exist, DefaultSymlinkPrefix is returned. Any other
// read error is propagated.
func ResolveSymlinkPrefix(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSymlinkPrefix, nil
		}
		return "", fmt.Errorf("config: read symlink prefix %s: %w", path, err)
	}
	prefix := strings.TrimSpace(string(data))
	if prefix == "" {
		return DefaultSymlinkPrefix, nil
	}
	return prefix, nil
}

// LinkConfig is one entry from CONSOLE_PORT|<link_id>, as consumed by the
// supervisor's reconcile pass.
type LinkConfig struct {
	LinkID string
	Baud   int
	Device string
}

// DevicePath is the spec's fixed mapping from link_id to physical serial
// device.
func DevicePath(linkID string) string {
	return "/dev/C0-" + linkID
}

// ParseLinkConfig builds a LinkConfig from a link_id and the raw hash
// fields read from the store, applying the 9600 default when
// baud_rate is absent or empty.
func ParseLinkConfig(linkID string, fields map[string]string) (LinkConfig, error) {
	baud := 9600
	if raw, ok := fields["baud_rate"]; ok && raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return LinkConfig{}, fmt.Errorf("config: link %s: invalid baud_rate %q: %w", linkID, raw, err)
		}
		baud = parsed
	}
	return LinkConfig{LinkID: linkID, Baud: baud, Device: DevicePath(linkID)}, nil
}

// FeatureEnabled reports whether a FeatureFlag hash's "enabled" field
// equals "yes".
func FeatureEnabled(fields map[string]string) bool {
	return fields["enabled"] == "yes"
}

// BootParam is one `console=<name>,<baud>`-shaped boot parameter, or any
// other `key=value` / bare `key` token on the kernel command line.
type BootParam struct {
	Name  string
	Value string
}

// ParseCmdline splits a /proc/cmdline-style string into its space
// separated tokens, each optionally carrying a `key=value` pair.
func ParseCmdline(cmdline string) []BootParam {
	fields := strings.Fields(cmdline)
	params := make([]BootParam, 0, len(fields))
	for _, f := range fields {
		if eq := strings.IndexByte(f, '='); eq >= 0 {
			params = append(params, BootParam{Name: f[:eq], Value: f[eq+1:]})
		} else {
			params = append(params, BootParam{Name: f})
		}
	}
	return params
}

// ConsoleParam is the decoded form of a `console=<tty>,<baud>` boot
// parameter used by the heartbeat emitter (§4.6 step 1).
type ConsoleParam struct {
	TTYName string
	Baud    int
}

// ErrNoConsoleParam is returned by FindConsoleParam when the command line
// carries no `console=` token at all.
var ErrNoConsoleParam = fmt.Errorf("config: no console= boot parameter present")

// FindConsoleParam scans boot parameters for the last `console=<name>[,<baud>]`
// token (matching kernel precedent where later console= entries take
// priority) and decodes it, defaulting the baud to 9600 when absent.
func FindConsoleParam(params []BootParam) (ConsoleParam, error) {
	var found *BootParam
	for i := range params {
		if params[i].Name == "console" {
			found = &params[i]
		}
	}
	if found == nil {
		return ConsoleParam{}, ErrNoConsoleParam
	}

	parts := strings.SplitN(found.Value, ",", 2)
	name := parts[0]
	if name == "" {
		return ConsoleParam{}, fmt.Errorf("config: empty console= tty name")
	}

	baud := 9600
	if len(parts) == 2 && parts[1] != "" {
		parsed, err := strconv.Atoi(parts[1])
		if err != nil {
			return ConsoleParam{}, fmt.Errorf("config: console= baud %q: %w", parts[1], err)
		}
		baud = parsed
	}

	return ConsoleParam{TTYName: name, Baud: baud}, nil
}

// ReadCmdline reads and decodes the platform boot-parameter file at path
// (normally /proc/cmdline; the caller supplies it, there is no default).
func ReadCmdline(path string) (ConsoleParam, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConsoleParam{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return FindConsoleParam(ParseCmdline(string(data)))
}
