package security

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// Audit event names. One record per security-relevant action.
const (
	AuditAuthValidate    = "auth.validate"
	AuditAgentRegister   = "agent.register"
	AuditAgentDisconnect = "agent.disconnect"
	AuditTaskDispatch    = "task.dispatch"
	AuditTaskFollowup    = "task.followup"
	AuditRateDenied      = "rate.denied"
	AuditCostDenied      = "cost.denied"
	AuditPathViolation   = "path.violation"
	AuditResponseStale   = "response.stale"
)

// Audit outcomes.
const (
	OutcomePass   = "pass"
	OutcomeFail   = "fail"
	OutcomeDenied = "denied"
)

type auditEntry struct {
	event  string
	fields []zap.Field
}

// AuditLog writes structured records, one JSON object per line, to an
// append-only sink with size rollover. Writes never block the caller:
// records are handed to a single writer goroutine through a bounded
// queue, and dropped with a one-time warning if the queue is full.
type AuditLog struct {
	mu     sync.RWMutex
	closed bool

	ch     chan auditEntry
	done   chan struct{}
	writer *zap.Logger
	closer io.Closer

	dropWarn sync.Once
	logger   *logger.Logger
}

// NewAuditLog opens the audit sink described by cfg. Path values
// "stdout", "stderr", and "" bypass rotation and write to the process
// streams; anything else is a file managed by the rollover policy.
func NewAuditLog(cfg config.AuditConfig, log *logger.Logger) *AuditLog {
	var ws zapcore.WriteSyncer
	var closer io.Closer

	switch cfg.Path {
	case "stdout":
		ws = zapcore.AddSync(os.Stdout)
	case "", "stderr":
		ws = zapcore.AddSync(os.Stderr)
	default:
		mb := int(cfg.MaxBytes / (1024 * 1024))
		if mb < 1 {
			mb = 1
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    mb,
			MaxBackups: cfg.Backups,
		}
		ws = zapcore.AddSync(lj)
		closer = lj
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		MessageKey:    "event",
		LevelKey:      zapcore.OmitKey,
		NameKey:       zapcore.OmitKey,
		CallerKey:     zapcore.OmitKey,
		StacktraceKey: zapcore.OmitKey,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		LineEnding:    zapcore.DefaultLineEnding,
	}
	writer := zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, zapcore.InfoLevel))

	a := &AuditLog{
		ch:     make(chan auditEntry, 1024),
		done:   make(chan struct{}),
		writer: writer,
		closer: closer,
		logger: log.WithFields(zap.String("component", "audit")),
	}
	go a.run()
	return a
}

func (a *AuditLog) run() {
	for entry := range a.ch {
		a.writer.Info(entry.event, entry.fields...)
	}
	_ = a.writer.Sync()
	close(a.done)
}

// Record enqueues an audit record. The outcome is attached as the first
// field; additional fields follow the caller's context.
func (a *AuditLog) Record(event, outcome string, fields ...zap.Field) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}

	entry := auditEntry{
		event:  event,
		fields: append([]zap.Field{zap.String("outcome", outcome)}, fields...),
	}
	select {
	case a.ch <- entry:
	default:
		a.dropWarn.Do(func() {
			a.logger.Warn("audit queue full; records are being dropped")
		})
	}
}

// Close drains pending records and closes the sink.
func (a *AuditLog) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()

	<-a.done
	if a.closer != nil {
		_ = a.closer.Close()
	}
}
