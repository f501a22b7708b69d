package system

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
	"github.com/edwinlacy/LocaldevScripts/internal/network"
)

// Runner executes a command and returns its standard output. A non-zero
// exit is reported as an error that includes the tail of stderr.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// LookPath resolves a command name to an executable path.
type LookPath func(name string) (string, error)

type PortProber interface {
	State(ctx context.Context, port int) network.Probe
}

// JSONGetter fetches and decodes a JSON document from baseURL+path.
type JSONGetter interface {
	GetJSON(ctx context.Context, baseURL, path string, out any) error
}

const lmStudioModelsPath = "/v1/models"

var packageManagers = []string{"apt-get", "dnf", "yum", "pacman", "zypper", "apk"}

// Settings describe what the inspector expects to find on the host.
type Settings struct {
	StudioRoot   string
	PythonBinary string
	LMStudioURL  string

	Commands    []string
	Packages    []string
	Directories []string

	ProbeTimeout    time.Duration
	LMStudioTimeout time.Duration
}

// DefaultSettings lists the prerequisites of a studio install rooted at root.
func DefaultSettings(root, python, lmStudioURL string) Settings {
	return Settings{
		StudioRoot:   root,
		PythonBinary: python,
		LMStudioURL:  lmStudioURL,
		Commands:     []string{python, "git", "ffmpeg", "nvidia-smi"},
		Packages:     []string{"torch", "requests"},
		Directories: []string{
			root,
			filepath.Join(root, "models"),
			filepath.Join(root, "custom_nodes"),
			filepath.Join(root, "input"),
			filepath.Join(root, "output"),
			filepath.Join(root, "temp"),
		},
		ProbeTimeout:    20 * time.Second,
		LMStudioTimeout: 3 * time.Second,
	}
}

// Inspector produces a read-only snapshot of the host. It never installs,
// starts, or stops anything.
type Inspector struct {
	settings Settings
	workers  []domain.WorkerDescriptor
	ports    PortProber
	gpu      domain.GPUInfoProvider
	lm       JSONGetter
	logger   *slog.Logger

	run      Runner
	lookPath LookPath
	hostInfo func(ctx context.Context) (*host.InfoStat, error)
	memInfo  func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

type Option func(*Inspector)

func WithRunner(r Runner) Option     { return func(i *Inspector) { i.run = r } }
func WithLookPath(fn LookPath) Option { return func(i *Inspector) { i.lookPath = fn } }

// NewInspector wires an inspector. lm may be nil to skip the LM Studio check.
func NewInspector(settings Settings, workers []domain.WorkerDescriptor, ports PortProber,
	gpu domain.GPUInfoProvider, lm JSONGetter, logger *slog.Logger, opts ...Option) *Inspector {
	i := &Inspector{
		settings: settings,
		workers:  workers,
		ports:    ports,
		gpu:      gpu,
		lm:       lm,
		logger:   logger,
		run:      runCommand,
		lookPath: exec.LookPath,
		hostInfo: host.InfoWithContext,
		memInfo:  mem.VirtualMemoryWithContext,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Inspect gathers the report. Individual probe failures are recorded in the
// report; Inspect itself does not fail.
func (i *Inspector) Inspect(ctx context.Context) domain.EnvironmentReport {
	report := domain.EnvironmentReport{
		GeneratedAt: time.Now().UTC(),
		Arch:        runtime.GOARCH,
		OS:          runtime.GOOS,
	}

	var (
		mu      sync.Mutex
		missing []string
	)
	addMissing := func(items ...string) {
		mu.Lock()
		missing = append(missing, items...)
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		i.inspectHost(ctx, &report)
		return nil
	})
	g.Go(func() error {
		report.GPU = i.gpu.GPUReport(ctx)
		if !report.GPU.DriverPresent {
			addMissing("gpu driver: " + orDefault(report.GPU.Error, "not detected"))
		}
		return nil
	})
	g.Go(func() error {
		var m []string
		report.Packages, m = i.inspectPackages(ctx)
		addMissing(m...)
		return nil
	})
	g.Go(func() error {
		report.Ports = i.inspectPorts(ctx)
		return nil
	})
	if i.lm != nil && i.settings.LMStudioURL != "" {
		g.Go(func() error {
			report.LMStudio = i.inspectLMStudio(ctx)
			if !report.LMStudio.Reachable {
				addMissing("lm studio: unreachable at " + report.LMStudio.URL)
			}
			return nil
		})
	}
	_ = g.Wait()

	var m []string
	report.Commands, m = i.inspectCommands()
	addMissing(m...)
	report.Directories, m = inspectDirectories(i.settings.Directories)
	addMissing(m...)

	slices.Sort(missing)
	report.MissingPrerequisites = append([]string{}, missing...)
	i.logger.Info("environment inspected",
		"missing", len(report.MissingPrerequisites),
		"gpus", len(report.GPU.Devices),
	)
	return report
}

func (i *Inspector) inspectHost(ctx context.Context, report *domain.EnvironmentReport) {
	if info, err := i.hostInfo(ctx); err == nil && info != nil {
		report.Hostname = info.Hostname
		report.OS = info.OS
		report.Platform = info.Platform
		report.PlatformVer = info.PlatformVersion
		report.Kernel = info.KernelVersion
		if info.KernelArch != "" {
			report.Arch = info.KernelArch
		}
	} else {
		i.logger.Warn("host info unavailable", "err", err)
		report.Hostname, _ = os.Hostname()
	}

	if vm, err := i.memInfo(ctx); err == nil && vm != nil {
		report.RAMTotalGB = float64(vm.Total) / (1 << 30)
	} else {
		i.logger.Warn("memory info unavailable", "err", err)
	}

	for _, pm := range packageManagers {
		if _, err := i.lookPath(pm); err == nil {
			report.PackageManager = pm
			return
		}
	}
	report.PackageManager = "unknown"
}

func (i *Inspector) inspectCommands() ([]domain.CommandCheck, []string) {
	var (
		checks  []domain.CommandCheck
		missing []string
	)
	for _, name := range i.settings.Commands {
		path, err := i.lookPath(name)
		checks = append(checks, domain.CommandCheck{Name: name, Present: err == nil, Path: path})
		if err != nil {
			missing = append(missing, "command: "+name)
		}
	}
	return checks, missing
}

// importProbe prints the module version as JSON; torch also reports CUDA.
const importProbe = `import importlib, json, sys
m = importlib.import_module(sys.argv[1])
out = {"version": str(getattr(m, "__version__", ""))}
if sys.argv[1] == "torch":
    out["cuda"] = str(m.version.cuda)
    out["cuda_available"] = bool(m.cuda.is_available())
print(json.dumps(out))
`

type probeOutput struct {
	Version       string `json:"version"`
	CUDA          string `json:"cuda,omitempty"`
	CUDAAvailable *bool  `json:"cuda_available,omitempty"`
}

func (i *Inspector) inspectPackages(ctx context.Context) ([]domain.PackageCheck, []string) {
	var (
		checks  []domain.PackageCheck
		missing []string
	)
	for _, pkg := range i.settings.Packages {
		check := i.probePackage(ctx, pkg)
		checks = append(checks, check)
		switch {
		case !check.OK:
			missing = append(missing, fmt.Sprintf("python package %s: %s", pkg, check.Error))
		case strings.Contains(check.Detail, "cuda_available=false"):
			missing = append(missing, fmt.Sprintf("python package %s: CUDA not available", pkg))
		}
	}
	return checks, missing
}

// probePackage imports pkg in a fresh interpreter so a crashing import
// cannot affect the other probes.
func (i *Inspector) probePackage(ctx context.Context, pkg string) domain.PackageCheck {
	ctx, cancel := context.WithTimeout(ctx, i.settings.ProbeTimeout)
	defer cancel()

	check := domain.PackageCheck{Name: pkg}
	out, err := i.run(ctx, i.settings.PythonBinary, "-c", importProbe, pkg)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("import timed out after %s", i.settings.ProbeTimeout)
		}
		check.Error = err.Error()
		i.logger.Debug("package probe failed", "package", pkg, "err", err)
		return check
	}

	var parsed probeOutput
	if err := json.Unmarshal(bytes.TrimSpace(lastLine(out)), &parsed); err != nil {
		check.Error = fmt.Sprintf("unexpected probe output: %v", err)
		return check
	}

	check.OK = true
	check.Version = parsed.Version
	if parsed.CUDAAvailable != nil {
		check.Detail = fmt.Sprintf("cuda=%s cuda_available=%t", parsed.CUDA, *parsed.CUDAAvailable)
	}
	return check
}

func (i *Inspector) inspectPorts(ctx context.Context) []domain.PortCheck {
	checks := make([]domain.PortCheck, 0, len(i.workers))
	for _, w := range i.workers {
		p := i.ports.State(ctx, w.ListenPort)
		checks = append(checks, domain.PortCheck{
			WorkerID: w.ID,
			Port:     w.ListenPort,
			State:    p.State,
			Reason:   p.Reason,
		})
	}
	return checks
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (i *Inspector) inspectLMStudio(ctx context.Context) *domain.LMStudioCheck {
	ctx, cancel := context.WithTimeout(ctx, i.settings.LMStudioTimeout)
	defer cancel()

	check := &domain.LMStudioCheck{URL: i.settings.LMStudioURL}
	var models modelList
	if err := i.lm.GetJSON(ctx, i.settings.LMStudioURL, lmStudioModelsPath, &models); err != nil {
		check.Error = err.Error()
		return check
	}
	check.Reachable = true
	for _, m := range models.Data {
		check.Models = append(check.Models, m.ID)
	}
	return check
}

func inspectDirectories(dirs []string) ([]domain.DirectoryCheck, []string) {
	var (
		checks  []domain.DirectoryCheck
		missing []string
	)
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		exists := err == nil && info.IsDir()
		checks = append(checks, domain.DirectoryCheck{Path: dir, Exists: exists})
		if !exists {
			missing = append(missing, "directory: "+dir)
		}
	}
	return checks, missing
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if tail := strings.TrimSpace(string(lastLine(stderr.Bytes()))); tail != "" {
			return nil, fmt.Errorf("%w: %s", err, tail)
		}
		return nil, err
	}
	return out, nil
}

func lastLine(b []byte) []byte {
	b = bytes.TrimRight(b, "\r\n ")
	if idx := bytes.LastIndexByte(b, '\n'); idx >= 0 {
		return b[idx+1:]
	}
	return b
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
