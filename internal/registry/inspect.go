package registry

import (
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessInfo is the OS-reported identity and state of a process.
type ProcessInfo struct {
	PID         int32
	ParentPID   int32
	CreateTime  time.Time
	CommandLine string
	Executable  string
	Username    string
	Cwd         string
	Statuses    []string
	Environ     []string
}

// IsZombie reports whether the OS considers the process a zombie.
func (i *ProcessInfo) IsZombie() bool {
	for _, s := range i.Statuses {
		if s == process.Zombie {
			return true
		}
	}
	return false
}

// Inspector reads process facts from the OS. It exists as an interface so
// tests can substitute deterministic process state.
type Inspector interface {
	Exists(pid int32) bool
	Info(pid int32) (*ProcessInfo, error)
	Metrics(pid int32) (ResourceMetrics, error)
	Terminate(pid int32) error
	Kill(pid int32) error
}

// OSInspector implements Inspector on top of gopsutil.
type OSInspector struct{}

// NewOSInspector returns the gopsutil-backed inspector.
func NewOSInspector() *OSInspector { return &OSInspector{} }

func (o *OSInspector) Exists(pid int32) bool {
	exists, err := process.PidExists(pid)
	return err == nil && exists
}

func (o *OSInspector) Info(pid int32) (*ProcessInfo, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}

	info := &ProcessInfo{PID: pid}

	createMS, err := p.CreateTime()
	if err != nil {
		return nil, err
	}
	info.CreateTime = time.UnixMilli(createMS).UTC()

	// Identity fields beyond creation time are best-effort: some are
	// unreadable for processes owned by other users.
	if ppid, err := p.Ppid(); err == nil {
		info.ParentPID = ppid
	}
	if cmdline, err := p.Cmdline(); err == nil {
		info.CommandLine = cmdline
	}
	if exe, err := p.Exe(); err == nil {
		info.Executable = exe
	}
	if username, err := p.Username(); err == nil {
		info.Username = username
	}
	if cwd, err := p.Cwd(); err == nil {
		info.Cwd = cwd
	}
	if statuses, err := p.Status(); err == nil {
		info.Statuses = statuses
	}
	if environ, err := p.Environ(); err == nil {
		info.Environ = environ
	}

	return info, nil
}

func (o *OSInspector) Metrics(pid int32) (ResourceMetrics, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return ResourceMetrics{}, err
	}

	m := ResourceMetrics{SampledAt: time.Now().UTC()}

	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		m.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		m.CPUPercent = cpu
	}
	if fds, err := p.NumFDs(); err == nil {
		m.NumFDs = fds
	}
	if threads, err := p.NumThreads(); err == nil {
		m.NumThreads = threads
	}
	if ctx, err := p.NumCtxSwitches(); err == nil && ctx != nil {
		m.CtxSwitchesVol = ctx.Voluntary
		m.CtxSwitchesInv = ctx.Involuntary
	}
	if io, err := p.IOCounters(); err == nil && io != nil {
		m.DiskReadBytes = io.ReadBytes
		m.DiskWriteBytes = io.WriteBytes
	}
	if conns, err := p.Connections(); err == nil {
		m.NumConnections = len(conns)
	}
	if children, err := p.Children(); err == nil {
		m.NumChildren = len(children)
	}

	return m, nil
}

func (o *OSInspector) Terminate(pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		return err
	}
	return p.Terminate()
}

func (o *OSInspector) Kill(pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
