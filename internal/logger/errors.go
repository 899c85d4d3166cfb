package logger

import (
	"errors"
	"strings"

	"github.com/localrivet/contextvault/internal/errortypes"
)

const maxStackFrames = 3

// LogError logs err on the default logger. An errortypes.AppError contributes
// its type, fields and the top of its stack.
func LogError(err error) {
	if err == nil {
		return
	}
	GetDefaultLogger().logError(err)
}

// LogError logs err on l with the same enrichment as the package-level LogError.
func (l *Logger) LogError(err error) {
	if err == nil {
		return
	}
	l.logError(err)
}

func (l *Logger) logError(err error) {
	var appErr *errortypes.AppError
	if !errors.As(err, &appErr) {
		l.Error("Unstructured error: %v", err)
		return
	}

	fields := make(map[string]interface{}, len(appErr.Fields)+2)
	for k, v := range appErr.Fields {
		fields[k] = v
	}
	fields["error_type"] = string(appErr.Type)
	if stack := topFrames(appErr.StackInfo, maxStackFrames); stack != "" {
		fields["stack"] = stack
	}

	l.WithFields(fields).Error("%s", appErr.Error())
}

// topFrames keeps the first n lines of a captured stack, joined with " > ".
func topFrames(stack string, n int) string {
	lines := strings.Split(strings.TrimSpace(stack), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.TrimSpace(strings.Join(lines, " > "))
}
