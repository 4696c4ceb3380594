package metrics

import "time"

// ContainerCounts reports how many containers this agent currently tracks,
// keyed by lifecycle state (see pkg/types.ContainerState).
type ContainerCounts interface {
	CountContainersByState() map[string]int
}

// TaskCounts reports how many tasks the task manager currently tracks,
// keyed by task state.
type TaskCounts interface {
	CountTasksByState() map[string]int
}

// VolumeMappingCount reports the number of block device mappings currently held.
type VolumeMappingCount interface {
	MappingCount() int
}

// VifCount reports the number of vifs currently plugged into bridges.
type VifCount interface {
	PluggedCount() int
}

// Collector periodically samples agent-local state into gauges. Unlike a
// cluster manager's collector, there is no Raft or scheduler state to poll:
// everything it reads lives in this process.
type Collector struct {
	containers ContainerCounts
	tasks      TaskCounts
	volumes    VolumeMappingCount
	vifs       VifCount
	interval   time.Duration
	stopCh     chan struct{}
}

// NewCollector creates a collector over the given agent subsystems. Any
// argument may be nil, in which case that gauge group is left unset.
func NewCollector(containers ContainerCounts, tasks TaskCounts, volumes VolumeMappingCount, vifs VifCount) *Collector {
	return &Collector{
		containers: containers,
		tasks:      tasks,
		volumes:    volumes,
		vifs:       vifs,
		interval:   15 * time.Second,
		stopCh:     make(chan struct{}),
	}
}

// Start begins collecting metrics on a background ticker.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector's background goroutine.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.containers != nil {
		for state, count := range c.containers.CountContainersByState() {
			ContainersTotal.WithLabelValues(state).Set(float64(count))
		}
	}
	if c.tasks != nil {
		for state, count := range c.tasks.CountTasksByState() {
			TasksTotal.WithLabelValues(state).Set(float64(count))
		}
	}
	if c.volumes != nil {
		VolumeMappingsTotal.Set(float64(c.volumes.MappingCount()))
	}
	if c.vifs != nil {
		VifsPlugged.Set(float64(c.vifs.PluggedCount()))
	}
}
