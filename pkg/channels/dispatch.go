package channels

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/harun/ranya-runtime/pkg/scheduler"
)

// Submitter accepts tasks; *scheduler.Scheduler satisfies it.
type Submitter interface {
	SubmitTask(id string, payload []byte, source string, opts ...scheduler.SubmitOption) (scheduler.Task, error)
}

// MetaSession is the task metadata key holding the session key.
const MetaSession = "session"

// SubmitDispatch returns a DispatchFunc that wraps each inbound message in an
// Envelope and submits it as a task whose source is the origin channel.
func SubmitDispatch(sub Submitter) DispatchFunc {
	return func(_ context.Context, msg InboundMessage) (Receipt, error) {
		if strings.TrimSpace(msg.Content) == "" {
			return Receipt{}, fmt.Errorf("message content is required")
		}

		payload, err := Envelope{
			TaskID:   msg.TaskID,
			Session:  msg.SessionKey,
			Prompt:   msg.Content,
			Metadata: msg.Metadata,
		}.Marshal()
		if err != nil {
			return Receipt{}, err
		}

		meta := make(map[string]string, len(msg.Metadata)+1)
		maps.Copy(meta, msg.Metadata)
		if msg.SessionKey != "" {
			meta[MetaSession] = msg.SessionKey
		}

		task, err := sub.SubmitTask(msg.TaskID, payload, msg.Channel, scheduler.WithMetadata(meta))
		if err != nil {
			return Receipt{}, fmt.Errorf("failed to submit task: %w", err)
		}
		return Receipt{TaskID: task.ID, Seq: task.Seq}, nil
	}
}
