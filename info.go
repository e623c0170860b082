package kdsrelay

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RunMode describes how the relay process is supervised.
type RunMode string

const (
	RunModeSystemd    RunMode = "systemd"
	RunModeDocker     RunMode = "docker"
	RunModeStandalone RunMode = "standalone"
)

// Info is static runtime information included in dumps and status output.
type Info struct {
	Version    string
	Package    string
	StartTime  time.Time
	RunMode    RunMode
	Hostname   string
	BinaryPath string
	PID        int
}

// DetectInfo captures runtime information once at startup.
func DetectInfo(version, pkg string) *Info {
	binaryPath, _ := os.Executable()
	if binaryPath != "" {
		if resolved, err := filepath.EvalSymlinks(binaryPath); err == nil {
			binaryPath = resolved
		}
	}
	hostname, _ := os.Hostname()

	return &Info{
		Version:    version,
		Package:    pkg,
		StartTime:  time.Now().UTC(),
		RunMode:    detectRunMode(),
		Hostname:   hostname,
		BinaryPath: binaryPath,
		PID:        os.Getpid(),
	}
}

// GetData renders Info for JSON documents.
func (i *Info) GetData() map[string]interface{} {
	if i == nil {
		return nil
	}
	return map[string]interface{}{
		"version":     i.Version,
		"package":     i.Package,
		"start_time":  i.StartTime.Format("2006-01-02T15:04:05+00:00"),
		"run_mode":    string(i.RunMode),
		"hostname":    i.Hostname,
		"binary_path": i.BinaryPath,
		"pid":         i.PID,
	}
}

func detectRunMode() RunMode {
	if os.Getenv("INVOCATION_ID") != "" {
		return RunModeSystemd
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return RunModeDocker
	}
	if data, err := os.ReadFile("/proc/self/cgroup"); err == nil {
		cgroup := string(data)
		if strings.Contains(cgroup, "docker") || strings.Contains(cgroup, "containerd") {
			return RunModeDocker
		}
	}
	return RunModeStandalone
}
