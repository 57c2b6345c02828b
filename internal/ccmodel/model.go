// Package ccmodel defines the document types persisted for the
// scheduling/execution core: tasks, task groups, application containers,
// data containers, nodes and dead nodes.
package ccmodel

import "time"

// State is the fixed, wire-stable lifecycle state of a Task,
// ApplicationContainer or DataContainer.
type State int

const (
	Created State = iota
	Waiting
	Processing
	Success
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Waiting:
		return "waiting"
	case Processing:
		return "processing"
	case Success:
		return "success"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of {success, failed, cancelled}.
func (s State) Terminal() bool {
	return s == Success || s == Failed || s == Cancelled
}

// Transition is one recorded state change of a document.
type Transition struct {
	Timestamp   time.Time      `json:"timestamp"`
	State       State          `json:"state"`
	Description string         `json:"description"`
	Exception   string         `json:"exception,omitempty"`
	CausedBy    map[string]any `json:"caused_by,omitempty"`
}

// Connector is an opaque descriptor of an external file source, sink or
// notification endpoint. Its shape is interpreted by the in-container
// worker, never by the scheduler.
type Connector struct {
	ConnectorType   string         `json:"connector_type"`
	ConnectorAccess map[string]any `json:"connector_access"`
	LocalResultFile string         `json:"local_result_file,omitempty"`
	AddMetaData     bool           `json:"add_meta_data,omitempty"`
}

// RegistryAuth holds optional credentials for pulling a private image.
type RegistryAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ApplicationContainerDescription is the user-supplied description of the
// workload that a Task's ApplicationContainer will run.
type ApplicationContainerDescription struct {
	Image        string         `json:"image"`
	EntryPoint    []string       `json:"entry_point,omitempty"`
	RegistryAuth  *RegistryAuth  `json:"registry_auth,omitempty"`
	ContainerRAM  int64          `json:"container_ram"`
	Parameters    any            `json:"parameters,omitempty"`
	Tracing       bool           `json:"tracing,omitempty"`
	Sandbox       string         `json:"sandbox,omitempty"`
}

// Task is a user-submitted unit of work.
type Task struct {
	ID                              string                           `json:"_id"`
	Username                        string                           `json:"username"`
	Tags                            []string                         `json:"tags,omitempty"`
	NoCache                         bool                             `json:"no_cache,omitempty"`
	ApplicationContainerDescription ApplicationContainerDescription  `json:"application_container_description"`
	InputFiles                      []Connector                      `json:"input_files"`
	ResultFiles                     []Connector                      `json:"result_files,omitempty"`
	Notifications                   []Connector                      `json:"notifications,omitempty"`
	State                           State                            `json:"state"`
	Trials                          int                               `json:"trials"`
	Transitions                     []Transition                     `json:"transitions"`
	TaskGroupID                     string                           `json:"task_group_id"`
	CreatedAt                       time.Time                        `json:"created_at"`
}

// TaskGroup is a batch of tasks submitted together; its state is derived
// from its members once all are terminal.
type TaskGroup struct {
	ID         string       `json:"_id"`
	Username   string       `json:"username"`
	TasksCount int          `json:"tasks_count"`
	TaskIDs    []string     `json:"task_ids"`
	State      State        `json:"state"`
	Transitions []Transition `json:"transitions"`
}

// ApplicationContainer runs a task's workload.
type ApplicationContainer struct {
	ID              string       `json:"_id"`
	TaskID          string       `json:"task_id"`
	Username        string       `json:"username"`
	ClusterNode     string       `json:"cluster_node"`
	ContainerRAM    int64        `json:"container_ram"`
	State           State        `json:"state"`
	DataContainerIDs []string    `json:"data_container_ids"`
	CallbackKey     string       `json:"callback_key"`
	Callbacks       []Callback   `json:"callbacks"`
	Transitions     []Transition `json:"transitions"`
	CreatedAt       time.Time    `json:"created_at"`
	IP              string       `json:"ip,omitempty"`
}

// DataContainer caches a task's input files and serves them over HTTP to
// the application container(s) sharing its network.
type DataContainer struct {
	ID             string       `json:"_id"`
	Username       string       `json:"username"`
	ClusterNode    string       `json:"cluster_node"`
	ContainerRAM   int64        `json:"container_ram"`
	InputFiles     []Connector  `json:"input_files"`
	InputFileKeys  []string     `json:"input_file_keys"`
	CallbackKey    string       `json:"callback_key"`
	Callbacks      []Callback   `json:"callbacks"`
	Transitions    []Transition `json:"transitions"`
	State          State        `json:"state"`
	CreatedAt      time.Time    `json:"created_at"`
	IP             string       `json:"ip,omitempty"`
}

// Callback is one recorded callback delivered by a container worker.
type Callback struct {
	Timestamp    time.Time      `json:"timestamp"`
	CallbackType int            `json:"callback_type"`
	Content      CallbackContent `json:"content"`
}

// CallbackContent is the body of a single callback.
type CallbackContent struct {
	State       int            `json:"state"`
	Description string         `json:"description,omitempty"`
	Exception   string         `json:"exception,omitempty"`
	Telemetry   map[string]any `json:"telemetry,omitempty"`
}

// Node describes a discovered container-engine host.
type Node struct {
	Name      string         `json:"name"`
	Config    map[string]any `json:"config,omitempty"`
	IsOnline  bool           `json:"is_online"`
	TotalRAM  int64          `json:"total_ram"`
	TotalCPUs int            `json:"total_cpus"`
	DebugInfo string         `json:"debug_info,omitempty"`
}

// DeadNode records that the NodeInspector considers a node unreachable.
type DeadNode struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Collection names as persisted in the document store.
const (
	CollectionTasks                 = "tasks"
	CollectionTaskGroups             = "task_groups"
	CollectionApplicationContainers = "application_containers"
	CollectionDataContainers        = "data_containers"
	CollectionNodes                 = "nodes"
	CollectionDeadNodes              = "dead_nodes"
)
