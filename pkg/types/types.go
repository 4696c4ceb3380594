package types

import "time"

// Container is the agent's view of the single workload container it manages.
// At most one exists on a host at a time.
type Container struct {
	ID   string // backend handle (lxc container name)
	Name string
	PID  int // valid only while the container is running

	State ContainerState
}

// ContainerState is a coarse lifecycle state reported by the controller's
// status endpoint.
type ContainerState string

const (
	ContainerManagerNotStarted ContainerState = "CONTAINER_MANAGER_NOT_STARTED"
	ContainerNoImage           ContainerState = "NO_IMAGE"
	ContainerNoContainer       ContainerState = "NO_CONTAINER"
	ContainerStopped           ContainerState = "STOPPED"
	ContainerRunning           ContainerState = "RUNNING"
	ContainerFrozen            ContainerState = "FROZEN"
)

// LifecycleState names the states of the container controller's (C6)
// lifecycle, distinguishing Created (exists, never started) from Absent.
// The controller does not store one: it derives the container's state from
// the backend listing on each call.
type LifecycleState string

const (
	LifecycleAbsent  LifecycleState = "absent"
	LifecycleCreated LifecycleState = "created"
	LifecycleRunning LifecycleState = "running"
	LifecyclePaused  LifecycleState = "paused"
)

// Subnet describes one IP subnet attached to a VIF's network.
type Subnet struct {
	CIDR    string   `json:"cidr"`
	Gateway string   `json:"gateway"`
	DNS     []string `json:"dns"`
	IPs     []string `json:"ips"`
}

// VIF is a virtual interface the orchestrator asks the agent to plug into
// the container's network namespace. Its ID's first 11 characters are the
// naming prefix for every host-side artefact (bridge, port, veth).
type VIF struct {
	ID      string   `json:"id"`
	Address string   `json:"address"` // MAC address
	Type    string   `json:"type"`
	MTU     int      `json:"mtu"` // default 1300 when zero
	Subnets []Subnet `json:"subnets"`
}

// IDPrefix returns the first 11 characters of the VIF id, the prefix used to
// derive every host-side artefact name (qbr/qvm/tap/ns).
func (v VIF) IDPrefix() string {
	if len(v.ID) <= 11 {
		return v.ID
	}
	return v.ID[:11]
}

// EffectiveMTU returns the VIF's configured MTU, or the default of 1300.
func (v VIF) EffectiveMTU() int {
	if v.MTU == 0 {
		return 1300
	}
	return v.MTU
}

// BDM is a block device mapping submitted by the orchestrator as part of a
// start/create/attach_volume request.
type BDM struct {
	MountDevice string `json:"mount_device"` // mount point inside the container, or "none"
	Size        string `json:"size"`         // e.g. "3G"; "0G" means unknown
	VolumeID    string `json:"volume_id"`    // connection_info.data.volume_id
	RealDevice  string `json:"real_device"`  // resolved host device path, filled in by the mapper
}

// BlockDeviceInfo is the block_device_info manifest shape the orchestrator
// submits on start/create, wrapping the BDM list.
type BlockDeviceInfo struct {
	BlockDeviceMapping []BDM `json:"block_device_mapping"`
}

// Settings is the single persisted JSON document recording the last-seen
// network and block-device manifests, used to replay interface state across
// agent restarts.
type Settings struct {
	NetworkInfo     []VIF           `json:"network_info"`
	BlockDeviceInfo BlockDeviceInfo `json:"block_device_info"`
}

// TaskState is the status of an asynchronous, fire-and-forget task.
type TaskState string

const (
	TaskDoing      TaskState = "doing"
	TaskSuccessful TaskState = "successful"
	TaskError      TaskState = "error"
)

// TaskStatusCode is the coarse numeric code of a task's state: 0 = doing,
// 1 = successful, 2 = error. Task.Code derives it; the JSON encoding of a
// Task does not include it.
type TaskStatusCode int

const (
	TaskStatusDoing      TaskStatusCode = 0
	TaskStatusSuccessful TaskStatusCode = 1
	TaskStatusError      TaskStatusCode = 2
)

// Task is a tracked async job. Tasks are kept in memory for the process
// lifetime and are never evicted or cancelled.
type Task struct {
	ID        string
	State     TaskState
	Message   string
	CreatedAt time.Time
}

// Code returns the coarse numeric status code for this task's state.
func (t Task) Code() TaskStatusCode {
	switch t.State {
	case TaskSuccessful:
		return TaskStatusSuccessful
	case TaskError:
		return TaskStatusError
	default:
		return TaskStatusDoing
	}
}

// FakeSuccessTaskID and FakeErrorTaskID are the sentinel ids returned by
// synchronous code paths that want to present themselves as completed tasks.
const (
	FakeSuccessTaskID = "-1"
	FakeErrorTaskID   = "-1"
)

// FakeSuccessTask is the immutable sentinel representing an operation that
// already completed successfully before any task was created.
var FakeSuccessTask = Task{
	ID:      FakeSuccessTaskID,
	State:   TaskSuccessful,
	Message: "Task -1 is successful",
}

// FakeErrorTask builds the immutable sentinel representing an operation
// that already failed before any task was created.
func FakeErrorTask(msg string) Task {
	return Task{
		ID:      FakeErrorTaskID,
		State:   TaskError,
		Message: "Task -1 is error with " + msg,
	}
}
