package domain

import "time"

// EnvironmentReport is a single-shot, read-only snapshot of the host.
type EnvironmentReport struct {
	GeneratedAt    time.Time `json:"generated_at"`
	Hostname       string    `json:"hostname"`
	OS             string    `json:"os"`
	Platform       string    `json:"platform"`
	PlatformVer    string    `json:"platform_version"`
	Kernel         string    `json:"kernel"`
	Arch           string    `json:"arch"`
	PackageManager string    `json:"package_manager"`
	RAMTotalGB     float64   `json:"ram_total_gb"`

	Commands    []CommandCheck   `json:"commands"`
	Packages    []PackageCheck   `json:"packages"`
	GPU         GPUReport        `json:"gpu"`
	Directories []DirectoryCheck `json:"directories"`
	Ports       []PortCheck      `json:"ports"`
	LMStudio    *LMStudioCheck   `json:"lm_studio,omitempty"`

	MissingPrerequisites []string `json:"missing_prerequisites"`
}

type CommandCheck struct {
	Name    string `json:"name"`
	Present bool   `json:"present"`
	Path    string `json:"path,omitempty"`
}

// PackageCheck is the result of an isolated import probe.
type PackageCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Version string `json:"version,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}

type GPUReport struct {
	DriverPresent bool        `json:"driver_present"`
	DriverVersion string      `json:"driver_version,omitempty"`
	Devices       []GPUDevice `json:"devices,omitempty"`
	Error         string      `json:"error,omitempty"`
}

type GPUDevice struct {
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	MemoryTotal float64 `json:"memory_total_mib"`
	MemoryUsed  float64 `json:"memory_used_mib"`
	Utilization float64 `json:"utilization"`
}

type DirectoryCheck struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

type PortCheck struct {
	WorkerID string    `json:"worker"`
	Port     int       `json:"port"`
	State    PortState `json:"state"`
	Reason   string    `json:"reason,omitempty"`
}

type LMStudioCheck struct {
	URL       string   `json:"url"`
	Reachable bool     `json:"reachable"`
	Models    []string `json:"models,omitempty"`
	Error     string   `json:"error,omitempty"`
}
