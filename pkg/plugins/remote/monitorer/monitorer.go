package monitorer

import (
	"context"
	"sync"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/asticode/go-astiplug/pkg/astimsg"
)

type Delta struct {
	At           astikit.Timestamp             `json:"at"`
	NewStats     []DeltaStat                   `json:"new_stats,omitempty"`
	RemovedStats []uint64                      `json:"removed_stats,omitempty"`
	StatValues   map[uint64]interface{}        `json:"stat_values,omitempty"`
	States       map[string]astimsg.Dictionary `json:"states,omitempty"`
}

func newDelta() *Delta {
	return &Delta{StatValues: make(map[uint64]interface{})}
}

func (d Delta) empty() bool {
	return len(d.NewStats) == 0 && len(d.RemovedStats) == 0 && len(d.StatValues) == 0 && len(d.States) == 0
}

func (d Delta) copy() *Delta {
	dst := newDelta()
	dst.At = d.At
	if len(d.NewStats) > 0 {
		dst.NewStats = make([]DeltaStat, len(d.NewStats))
		copy(dst.NewStats, d.NewStats)
	}
	if len(d.RemovedStats) > 0 {
		dst.RemovedStats = make([]uint64, len(d.RemovedStats))
		copy(dst.RemovedStats, d.RemovedStats)
	}
	for k, v := range d.StatValues {
		dst.StatValues[k] = v
	}
	if len(d.States) > 0 {
		dst.States = make(map[string]astimsg.Dictionary, len(d.States))
		for k, v := range d.States {
			dst.States[k] = v.Copy()
		}
	}
	return dst
}

type DeltaStat struct {
	ID       uint64            `json:"id"`
	Metadata DeltaStatMetadata `json:"metadata"`
	Source   string            `json:"source,omitempty"`
}

type DeltaStatMetadata struct {
	Description string `json:"description,omitempty"`
	Label       string `json:"label,omitempty"`
	Name        string `json:"name,omitempty"`
	Unit        string `json:"unit,omitempty"`
}

func newDeltaStatMetadata(i astikit.DeltaStatMetadata) DeltaStatMetadata {
	return DeltaStatMetadata{
		Description: i.Description,
		Label:       i.Label,
		Name:        i.Name,
		Unit:        i.Unit,
	}
}

// Aggregates stats and state changes into periodic deltas. The catch up delta describes everything a
// newcomer needs to know.
type Monitorer struct {
	cd *Delta // Catchup Delta
	d  *Delta
	ds *astikit.DeltaStater
	mc *sync.Mutex // Locks cd
	md *sync.Mutex // Locks d
	o  MonitorerOptions
}

type OnDelta func(d Delta)

type MonitorerOptions struct {
	OnDelta OnDelta
	Period  time.Duration
}

func New(o MonitorerOptions) *Monitorer {
	// Create monitorer
	m := &Monitorer{
		cd: newDelta(),
		d:  newDelta(),
		mc: &sync.Mutex{},
		md: &sync.Mutex{},
		o:  o,
	}

	// Create Delta stater
	m.ds = astikit.NewDeltaStater(astikit.DeltaStaterOptions{
		OnStats: m.onStats,
		Period:  o.Period,
	})
	return m
}

// source describes who the stats belong to
func (m *Monitorer) AddStats(source string, dss []astikit.DeltaStat) (ids []uint64) {
	// Loop through delta stats
	for _, ds := range dss {
		// Add to stater
		id := m.ds.Add(ds.Valuer)
		ids = append(ids, id)

		// Create Delta stat
		s := DeltaStat{
			ID:       id,
			Metadata: newDeltaStatMetadata(ds.Metadata),
			Source:   source,
		}

		// Store stat
		m.mc.Lock()
		m.cd.NewStats = append(m.cd.NewStats, s)
		m.mc.Unlock()
		m.md.Lock()
		m.d.NewStats = append(m.d.NewStats, s)
		m.md.Unlock()
	}
	return
}

func (m *Monitorer) RemoveStats(ids ...uint64) {
	// Remove from stater
	m.ds.Remove(ids...)

	// Remove from catch up
	m.mc.Lock()
	for _, id := range ids {
		for idx := 0; idx < len(m.cd.NewStats); idx++ {
			if m.cd.NewStats[idx].ID == id {
				m.cd.NewStats = append(m.cd.NewStats[:idx], m.cd.NewStats[idx+1:]...)
				idx--
			}
		}
		delete(m.cd.StatValues, id)
	}
	m.mc.Unlock()

	// Store removal
	m.md.Lock()
	m.d.RemovedStats = append(m.d.RemovedStats, ids...)
	m.md.Unlock()
}

// Only STATE_CHANGED messages are taken into account
func (m *Monitorer) HandleMessage(msg *astimsg.Message) bool {
	// Not a state change
	if !msg.Is(astimsg.NamespaceState, astimsg.IDStateChanged) {
		return true
	}

	// Get state
	s, err := msg.State()
	if err != nil || s.Context == "" || s.Variable == "" {
		return true
	}

	// Store state
	store := func(d *Delta) {
		if d.States == nil {
			d.States = make(map[string]astimsg.Dictionary)
		}
		if _, ok := d.States[s.Context]; !ok {
			d.States[s.Context] = make(astimsg.Dictionary)
		}
		d.States[s.Context][s.Variable] = s.Value.Copy()
	}
	m.mc.Lock()
	store(m.cd)
	m.mc.Unlock()
	m.md.Lock()
	store(m.d)
	m.md.Unlock()
	return true
}

func (m *Monitorer) Start(ctx context.Context) {
	// Start stater
	m.ds.Start(ctx)
}

func (m *Monitorer) Close() {
	// Stop stater
	m.ds.Stop()
}

func (m *Monitorer) onStats(stats []astikit.DeltaStatValue) {
	// Swap Delta
	m.md.Lock()
	d := *m.d
	m.d = newDelta()
	m.md.Unlock()

	// Update at
	d.At = *astikit.NewTimestamp(astikit.Now())

	// Loop through stats
	m.mc.Lock()
	m.cd.StatValues = map[uint64]interface{}{}
	for _, s := range stats {
		// Add
		d.StatValues[s.ID] = s.Value
		m.cd.StatValues[s.ID] = s.Value
	}
	m.mc.Unlock()

	// Callback
	if !d.empty() && m.o.OnDelta != nil {
		m.o.OnDelta(d)
	}
}

func (m *Monitorer) CatchUp() Delta {
	// Lock
	m.mc.Lock()
	defer m.mc.Unlock()

	// Copy Delta
	d := m.cd.copy()

	// Update at
	d.At = *astikit.NewTimestamp(astikit.Now())
	return *d
}
