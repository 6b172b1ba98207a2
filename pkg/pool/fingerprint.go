package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/agentpool/pkg/config"
)

// computeFingerprint hashes the image, resource caps, and agent
// environment overlay into the drift-detection fingerprint stored on
// every ContainerRecord (§3). Two containers created from the same
// configuration always hash identically; any change to image,
// resources, or per-agent env changes the fingerprint.
func computeFingerprint(cfg *config.Config, agentCfg AgentConfig) string {
	h := sha256.New()
	fmt.Fprintf(h, "image=%s\n", cfg.Image)
	fmt.Fprintf(h, "memory=%s\n", cfg.Resources.Memory)
	fmt.Fprintf(h, "cpus=%s\n", cfg.Resources.CPUs)
	fmt.Fprintf(h, "pids=%d\n", cfg.Resources.PidsLimit)

	keys := make([]string, 0, len(agentCfg.Env))
	for k := range agentCfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "env.%s=%s\n", k, agentCfg.Env[k])
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}

// parseMemory parses a docker-style memory limit string (e.g. "512m",
// "1g") into bytes. Unrecognized suffixes are treated as plain bytes.
func parseMemory(s string) uint64 {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0
	}

	multiplier := uint64(1)
	switch {
	case strings.HasSuffix(s, "g"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "k")
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n * multiplier
}

// parseCPUs parses a fractional CPU-core count string (e.g. "1.5").
func parseCPUs(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
