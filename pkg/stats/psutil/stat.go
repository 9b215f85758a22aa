package psutil

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"
)

const DeltaStatNameHostUsage = "astiplug.host.usage"

type HostUsage struct {
	CPU    HostCPUUsage    `json:"cpu"`
	Load   *HostLoad       `json:"load,omitempty"`
	Memory HostMemoryUsage `json:"memory"`
}

type HostCPUUsage struct {
	Individual []float64 `json:"individual,omitempty"`
	// Percentage of one core used by the current process since the previous value
	Process *float64 `json:"process,omitempty"`
	Total   float64  `json:"total"`
}

type HostLoad struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

type HostMemoryUsage struct {
	Resident uint64 `json:"resident"`
	Total    uint64 `json:"total"`
	Used     uint64 `json:"used"`
	Virtual  uint64 `json:"virtual"`
}

type Options struct {
	// Per core cpu percentages
	Individual bool
	Load       bool
}

func New(o Options) (astikit.DeltaStat, error) {
	// Create valuer
	vr, err := newValuer(o)
	if err != nil {
		return astikit.DeltaStat{}, fmt.Errorf("psutil: creating valuer failed: %w", err)
	}

	// Create delta stat
	return astikit.DeltaStat{
		Metadata: astikit.DeltaStatMetadata{
			Description: "Host and process resources usage",
			Label:       "Host usage",
			Name:        DeltaStatNameHostUsage,
		},
		Valuer: vr,
	}, nil
}

var _ astikit.DeltaStatValuer = (*valuer)(nil)

type valuer struct {
	lastBusy *float64
	m        sync.Mutex // Locks lastBusy
	o        Options
	p        *process.Process
}

func newValuer(o Options) (vr *valuer, err error) {
	// Create valuer
	vr = &valuer{o: o}

	// Create process
	if vr.p, err = process.NewProcess(int32(os.Getpid())); err != nil {
		err = fmt.Errorf("psutil: creating process failed: %w", err)
		return
	}
	return
}

func (vr *valuer) Value(delta time.Duration) interface{} {
	var v HostUsage

	// Get process cpu
	if t, err := vr.p.Times(); err == nil {
		busy := t.User + t.System
		vr.m.Lock()
		if vr.lastBusy != nil && delta > 0 {
			v.CPU.Process = astikit.Float64Ptr((busy - *vr.lastBusy) / delta.Seconds() * 100)
		}
		vr.lastBusy = astikit.Float64Ptr(busy)
		vr.m.Unlock()
	}

	// Get global cpu
	if vr.o.Individual {
		if ps, err := cpu.Percent(0, true); err == nil {
			v.CPU.Individual = ps
		}
	}
	if ps, err := cpu.Percent(0, false); err == nil && len(ps) > 0 {
		v.CPU.Total = ps[0]
	}

	// Get load
	if vr.o.Load {
		if a, err := load.Avg(); err == nil {
			v.Load = &HostLoad{
				Load1:  a.Load1,
				Load5:  a.Load5,
				Load15: a.Load15,
			}
		}
	}

	// Get memory
	if i, err := vr.p.MemoryInfo(); err == nil {
		v.Memory.Resident = i.RSS
		v.Memory.Virtual = i.VMS
	}
	if s, err := mem.VirtualMemory(); err == nil {
		v.Memory.Total = s.Total
		v.Memory.Used = s.Used
	}
	return v
}
