package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyCourse     = "course"
	KeyUpdateID   = "update_id"
	KeyStage      = "stage"
	KeyStatus     = "status"
	KeyCommit     = "commit"
	KeyWorker     = "worker"
	KeyPath       = "path"
	KeyURL        = "url"
	KeyBranch     = "branch"
	KeyImage      = "image"
	KeyRequestIP  = "request_ip"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Course(key string) slog.Attr     { return slog.String(KeyCourse, key) }
func UpdateID(id string) slog.Attr    { return slog.String(KeyUpdateID, id) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Status(s string) slog.Attr       { return slog.String(KeyStatus, s) }
func Commit(hash string) slog.Attr    { return slog.String(KeyCommit, hash) }
func Worker(name string) slog.Attr    { return slog.String(KeyWorker, name) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Branch(b string) slog.Attr       { return slog.String(KeyBranch, b) }
func Image(img string) slog.Attr      { return slog.String(KeyImage, img) }
func RequestIP(ip string) slog.Attr   { return slog.String(KeyRequestIP, ip) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
