package logger

import "log/slog"

// Common attribute keys for consistent logging across the control plane

func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func Operation(op string) slog.Attr {
	return slog.String("operation", op)
}

func TenantID(id string) slog.Attr {
	return slog.String("tenant_id", id)
}

func AccountID(id string) slog.Attr {
	return slog.String("account_id", id)
}

func Tier(tier string) slog.Attr {
	return slog.String("tier", tier)
}

func Execution(arn string) slog.Attr {
	return slog.String("execution_arn", arn)
}

func StackID(id string) slog.Attr {
	return slog.String("stack_id", id)
}

func Table(name string) slog.Attr {
	return slog.String("table", name)
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// Request attributes
func Method(method string) slog.Attr {
	return slog.String("method", method)
}

func Path(path string) slog.Attr {
	return slog.String("path", path)
}

func StatusCode(code int) slog.Attr {
	return slog.Int("status_code", code)
}

func Duration(ms int64) slog.Attr {
	return slog.Int64("duration_ms", ms)
}
