package queue

import (
	"github.com/VizierDB/web-api-async-sub004/internal/backend"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
)

// Message is the unit of work placed on a queue. Context maps artifact
// names to identifiers; ArtifactTypes carries the type of each name so a
// worker can rebuild the descriptors.
type Message struct {
	TaskID        string            `json:"task_id"`
	ProjectID     string            `json:"project_id"`
	Command       task.Command      `json:"command_doc"`
	Context       map[string]string `json:"context"`
	ArtifactTypes map[string]string `json:"artifact_types,omitempty"`
	Resources     map[string]any    `json:"resources,omitempty"`
}

// NewMessage builds the message for one task.
func NewMessage(handle backend.TaskHandle, cmd task.Command, tctx *task.Context) *Message {
	msg := &Message{
		TaskID:    handle.TaskID,
		ProjectID: handle.ProjectID,
		Command:   cmd,
		Context:   map[string]string{},
	}
	if tctx != nil {
		msg.Context = tctx.Identifiers()
		msg.ArtifactTypes = tctx.ArtifactTypes()
		msg.Resources = tctx.Resources
	}
	return msg
}

// TaskContext rebuilds the task context without stores.
func (m *Message) TaskContext() *task.Context {
	tctx := task.ContextFromIdentifiers(m.ProjectID, m.Context, m.ArtifactTypes)
	tctx.Resources = m.Resources
	return tctx
}
