// Package sysinfo reports the host profile and which optional external
// binaries are present. Both are cached for the process lifetime; the
// capabilities of the machine do not change under a running gateway.
package sysinfo

import (
	"os/exec"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Model tiers recommended from host memory.
const (
	TierSmall  = "small"
	TierMedium = "medium"
	TierLarge  = "large"
)

// Profile describes the host.
type Profile struct {
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	Arch            string `json:"arch"`
	CPUCores        int    `json:"cpuCores"`
	MemoryBytes     uint64 `json:"memoryBytes"`
	RecommendedTier string `json:"recommendedTier"`
}

// Capabilities reports optional external binaries found on PATH.
type Capabilities struct {
	Whisper bool `json:"whisper"`
	Marker  bool `json:"marker"`
	Chrome  bool `json:"chrome"`
	Ollama  bool `json:"ollama"`
}

var (
	profileOnce sync.Once
	profile     Profile

	capsOnce sync.Once
	caps     Capabilities
)

// GetProfile collects the host profile once and serves the cached copy.
func GetProfile() Profile {
	profileOnce.Do(func() {
		profile = Profile{
			OS:       runtime.GOOS,
			Arch:     runtime.GOARCH,
			CPUCores: runtime.NumCPU(),
		}
		if info, err := host.Info(); err == nil {
			profile.Platform = info.Platform
		}
		if counts, err := cpu.Counts(true); err == nil && counts > 0 {
			profile.CPUCores = counts
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			profile.MemoryBytes = vm.Total
		}
		profile.RecommendedTier = tierFor(profile.MemoryBytes)
	})
	return profile
}

// GetCapabilities probes PATH once and serves the cached copy.
func GetCapabilities() Capabilities {
	capsOnce.Do(func() {
		caps = Capabilities{
			Whisper: onPath("whisper-cli"),
			Marker:  onPath("marker_single"),
			Chrome:  onPath("google-chrome", "chromium", "chromium-browser", "chrome"),
			Ollama:  onPath("ollama"),
		}
	})
	return caps
}

func tierFor(memory uint64) string {
	const gib = 1 << 30
	switch {
	case memory >= 32*gib:
		return TierLarge
	case memory >= 16*gib:
		return TierMedium
	default:
		return TierSmall
	}
}

func onPath(names ...string) bool {
	for _, n := range names {
		if _, err := exec.LookPath(n); err == nil {
			return true
		}
	}
	return false
}
