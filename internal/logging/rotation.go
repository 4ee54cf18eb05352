package logging

import (
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
)

// NewRotatingWriter returns a size based rotating file writer. Rotated files
// are named with a timestamp suffix and optionally gzipped.
func NewRotatingWriter(path string, rotation config.LogRotationConfig) *lumberjack.Logger {
	maxSize := rotation.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
		LocalTime:  false,
	}
}
