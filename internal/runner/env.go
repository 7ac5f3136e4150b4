package runner

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// BasePolicy selects the base layer of §4.5.3's environment merge.
type BasePolicy struct {
	// Mode is one of "full", "empty", "default_whitelist", "whitelist".
	Mode string
	// Whitelist names the variables to inherit when Mode is "whitelist".
	Whitelist []string
}

// defaultWhitelist mirrors the common set of variables a shell-like job
// needs even under a restrictive base policy.
var defaultWhitelist = []string{"PATH", "HOME", "LANG", "TZ", "USER", "SHELL"}

func (p BasePolicy) baseEnv() map[string]string {
	out := make(map[string]string)
	switch p.Mode {
	case "empty":
		return out
	case "default_whitelist":
		for _, name := range defaultWhitelist {
			if v, ok := os.LookupEnv(name); ok {
				out[name] = v
			}
		}
		return out
	case "whitelist":
		for _, name := range p.Whitelist {
			if v, ok := os.LookupEnv(name); ok {
				out[name] = v
			}
		}
		return out
	default: // "full"
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				out[kv[:i]] = kv[i+1:]
			}
		}
		return out
	}
}

var interpolationPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// BuildEnv implements §4.5.3: merges base/application/job/CLI layers
// left-to-right (later overrides earlier), then expands ${NAME}
// references against the merged map to a fixed point. A variable caught
// in a reference cycle (or depending on one) keeps its original,
// unexpanded value and is logged as a warning rather than looping forever.
func BuildEnv(base BasePolicy, appEnv, jobEnv, cliOverrides map[string]string) map[string]string {
	merged := base.baseEnv()
	for _, layer := range []map[string]string{appEnv, jobEnv, cliOverrides} {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return interpolate(merged)
}

// interpolate expands ${NAME} references to a fixed point: repeatedly
// substitutes until a pass resolves no reference to a defined variable,
// or until maxPasses is reached,
// whichever comes first. maxPasses bounds indirect cycles (a -> b -> a)
// that a single pass of direct self-reference detection would miss.
func interpolate(env map[string]string) map[string]string {
	const maxPasses = 50
	current := make(map[string]string, len(env))
	for k, v := range env {
		current[k] = v
	}

	for pass := 0; pass < maxPasses; pass++ {
		changed := false
		next := make(map[string]string, len(current))
		for k, v := range current {
			expanded, didExpand := expandOnce(v, current)
			next[k] = expanded
			if didExpand {
				changed = true
			}
		}
		current = next
		if !changed {
			return current
		}
	}

	// Exceeded maxPasses: a cycle exists. Any variable whose value still
	// references a defined variable is part of (or depends on) the cycle
	// and keeps its original, unexpanded value.
	for k, v := range current {
		for _, m := range interpolationPattern.FindAllStringSubmatch(v, -1) {
			if _, defined := current[m[1]]; defined {
				slog.Warn("environment variable interpolation cycle detected, leaving literal", "name", k)
				current[k] = env[k]
				break
			}
		}
	}
	return current
}

func expandOnce(value string, env map[string]string) (string, bool) {
	changed := false
	out := interpolationPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := interpolationPattern.FindStringSubmatch(match)[1]
		replacement, ok := env[name]
		if !ok {
			return match
		}
		changed = true
		return replacement
	})
	return out, changed
}

// ToSlice converts a merged environment map to the os/exec-compatible
// "NAME=VALUE" slice form.
func ToSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
