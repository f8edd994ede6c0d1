package pdf

import "log/slog"

// ProgressReporter は進捗更新用コールバックです。
type ProgressReporter func(stage string, percent int)

// ReportProgress は percent を 0〜100 に収めてから cb を呼びます。cb が nil なら何もしません。
func ReportProgress(cb ProgressReporter, stage string, percent int) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cb(stage, percent)
}

// LogProgress は進捗を debug ログに出す ProgressReporter を返します。
func LogProgress(logger *slog.Logger) ProgressReporter {
	if logger == nil {
		return nil
	}
	return func(stage string, percent int) {
		logger.Debug("progress", "stage", stage, "percent", percent)
	}
}
