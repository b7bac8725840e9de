package escalation

import (
	"context"
	"testing"

	"github.com/taskforge/pipeline/internal/task"
)

func TestNoopSinkDoesNotPanic(t *testing.T) {
	NoopSink(context.Background(), task.Event{TaskID: "t1"}, []string{"boom"})
}
