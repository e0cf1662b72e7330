package auditlog

import (
	"ai-browser-control/internal/entity"
	"ai-browser-control/pkg/logg"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const auditLogName = "AuditLog"

// Log is the append-only audit trail of agent runs. Entries are never mutated or removed.
type Log struct {
	mu      sync.RWMutex
	entries []entity.AgentLogEntry
	logger  *zap.Logger
	now     func() time.Time
}

type Params struct {
	fx.In

	Logger *zap.Logger
}

func New(params Params) *Log {
	return &Log{
		logger: params.Logger.With(zap.String(logg.Layer, auditLogName)),
		now:    time.Now,
	}
}

func (l *Log) Append(kind entity.LogKind, message string, fields map[string]any) entity.AgentLogEntry {
	entry := entity.AgentLogEntry{
		ID:        uuid.New(),
		Timestamp: l.now(),
		Kind:      kind,
		Message:   message,
		Fields:    maps.Clone(fields),
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	l.mirror(entry)

	return cloneEntry(entry)
}

func (l *Log) Info(message string, fields map[string]any) entity.AgentLogEntry {
	return l.Append(entity.LogKindInfo, message, fields)
}

func (l *Log) Warning(message string, fields map[string]any) entity.AgentLogEntry {
	return l.Append(entity.LogKindWarning, message, fields)
}

func (l *Log) Error(message string, fields map[string]any) entity.AgentLogEntry {
	return l.Append(entity.LogKindError, message, fields)
}

// Entries returns a copy of the trail in append order.
func (l *Log) Entries() []entity.AgentLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]entity.AgentLogEntry, len(l.entries))
	for i, e := range l.entries {
		out[i] = cloneEntry(e)
	}

	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.entries)
}

func (l *Log) mirror(entry entity.AgentLogEntry) {
	zapFields := make([]zap.Field, 0, len(entry.Fields)+2)
	zapFields = append(zapFields,
		zap.String(logg.Kind, string(entry.Kind)),
		zap.String("entry_id", entry.ID.String()),
	)

	for k, v := range entry.Fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}

	switch entry.Kind {
	case entity.LogKindError:
		l.logger.Error(entry.Message, zapFields...)
	case entity.LogKindWarning:
		l.logger.Warn(entry.Message, zapFields...)
	default:
		l.logger.Info(entry.Message, zapFields...)
	}
}

func cloneEntry(e entity.AgentLogEntry) entity.AgentLogEntry {
	e.Fields = maps.Clone(e.Fields)

	return e
}
