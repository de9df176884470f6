package engine

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/skeinworks/skein/workflow"
)

// workflowLogger is the workflow-facing logger. Lines are dropped
// while replaying so re-executed code does not log twice; live lines
// go to zap and the logs table. Persistence failures are swallowed:
// logging must never take a workflow down.
type workflowLogger struct {
	c   *Context
	log *zap.SugaredLogger
}

var _ workflow.Logger = (*workflowLogger)(nil)

func newWorkflowLogger(c *Context, log *zap.Logger) *workflowLogger {
	return &workflowLogger{
		c:   c,
		log: log.Sugar().With("workflow_id", c.workflowID),
	}
}

func (l *workflowLogger) emit(level string, msg string, keyvals []any) {
	if l.c.IsReplaying() {
		return
	}
	switch level {
	case "debug":
		l.log.Debugw(msg, keyvals...)
	case "warn":
		l.log.Warnw(msg, keyvals...)
	case "error":
		l.log.Errorw(msg, keyvals...)
	default:
		l.log.Infow(msg, keyvals...)
	}
	_ = l.c.store.CreateLog(l.c.ctx, l.c.workflowID, level, formatLine(msg, keyvals))
}

func formatLine(msg string, keyvals []any) string {
	if len(keyvals) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 < len(keyvals) {
			fmt.Fprintf(&b, " %v=%v", keyvals[i], keyvals[i+1])
		} else {
			fmt.Fprintf(&b, " %v", keyvals[i])
		}
	}
	return b.String()
}

// Debug implements workflow.Logger
func (l *workflowLogger) Debug(msg string, keyvals ...any) { l.emit("debug", msg, keyvals) }

// Info implements workflow.Logger
func (l *workflowLogger) Info(msg string, keyvals ...any) { l.emit("info", msg, keyvals) }

// Warn implements workflow.Logger
func (l *workflowLogger) Warn(msg string, keyvals ...any) { l.emit("warn", msg, keyvals) }

// Error implements workflow.Logger
func (l *workflowLogger) Error(msg string, keyvals ...any) { l.emit("error", msg, keyvals) }
