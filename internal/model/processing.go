package model

// ObjectState is the lifecycle state of one category within a task.
type ObjectState string

const (
	ObjectWaiting    ObjectState = "waiting"
	ObjectProcessing ObjectState = "processing"
	ObjectSuccess    ObjectState = "success"
	ObjectFailed     ObjectState = "failed"
)

// TaskState is the aggregate state of one package within a batch.
type TaskState string

const (
	TaskWaiting    TaskState = "waiting"
	TaskProcessing TaskState = "processing"
	TaskSuccess    TaskState = "success"
	TaskFailed     TaskState = "failed"
)

// Terminal reports whether s is Success or Failed.
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed
}

// ProcessingObject is one category's processing unit within a task.
type ProcessingObject struct {
	Category Category    `json:"category"`
	Visible  bool        `json:"visible"`
	State    ObjectState `json:"state"`
	Title    string      `json:"title"`
	Subtitle string      `json:"subtitle"`
}

// ProcessingTask is one package's end-to-end attempt within a batch.
type ProcessingTask struct {
	PackageID     string `json:"package_id"`
	Label         string `json:"label"`
	Icon          string `json:"icon,omitempty"`
	SelectPackage bool   `json:"select_package"`
	SelectData    bool   `json:"select_data"`
	// Date is the snapshot label a restore task reads from. Unused for backup.
	Date    string             `json:"date,omitempty"`
	Objects []ProcessingObject `json:"objects"`
	State   TaskState          `json:"state"`
}

// Clone returns a deep copy of t.
func (t ProcessingTask) Clone() ProcessingTask {
	out := t
	if t.Objects != nil {
		out.Objects = make([]ProcessingObject, len(t.Objects))
		copy(out.Objects, t.Objects)
	}
	return out
}

// NewObjects returns one Waiting, invisible object per category in processing order.
func NewObjects() []ProcessingObject {
	cats := Categories()
	objs := make([]ProcessingObject, len(cats))
	for i, c := range cats {
		objs[i] = ProcessingObject{Category: c, State: ObjectWaiting}
	}
	return objs
}
