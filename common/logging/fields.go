package logging

import (
	"log/slog"
	"time"
)

// Field names shared by every component so log queries stay stable.
const (
	FieldService    = "service"
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldUserID     = "user_id"
	FieldIP         = "ip"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldErrorKind  = "error_kind"
	FieldLogID      = "log_id"
	FieldEventType  = "event_type"
	FieldBatchSize  = "batch_size"
	FieldBackend    = "backend"
	FieldTable      = "table"
	FieldConstraint = "constraint"
	FieldSQLState   = "sqlstate"
)

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func RequestID(id string) slog.Attr {
	return slog.String(FieldRequestID, id)
}

func UserID(id string) slog.Attr {
	return slog.String(FieldUserID, id)
}

func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

// Duration returns d in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error. A nil error yields an empty value.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

func ErrorKind(kind string) slog.Attr {
	return slog.String(FieldErrorKind, kind)
}

func LogID(id string) slog.Attr {
	return slog.String(FieldLogID, id)
}

func EventType(name string) slog.Attr {
	return slog.String(FieldEventType, name)
}

func BatchSize(n int) slog.Attr {
	return slog.Int(FieldBatchSize, n)
}

func Backend(name string) slog.Attr {
	return slog.String(FieldBackend, name)
}

func Table(name string) slog.Attr {
	return slog.String(FieldTable, name)
}

func Constraint(name string) slog.Attr {
	return slog.String(FieldConstraint, name)
}

func SQLState(code string) slog.Attr {
	return slog.String(FieldSQLState, code)
}
