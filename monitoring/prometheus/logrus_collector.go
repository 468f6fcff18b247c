package prometheus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

const (
	prefixKey     = "prefix"
	defaultPrefix = "global"
)

var (
	supportedLevels = []logrus.Level{logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}
	logCounterVec   = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "log_entries_total",
		Help: "Total number of log messages, partitioned by level and package prefix.",
	}, []string{"level", "prefix"})
)

// LogrusCollector is a logrus hook counting emitted log entries per level
// and package prefix, exposed through the default Prometheus registerer.
type LogrusCollector struct {
	counterVec *prometheus.CounterVec
}

// NewLogrusCollector returns a hook ready to be attached with logrus.AddHook.
func NewLogrusCollector() *LogrusCollector {
	return &LogrusCollector{
		counterVec: logCounterVec,
	}
}

// Fire is called on every log call.
func (hook *LogrusCollector) Fire(entry *logrus.Entry) error {
	prefix := defaultPrefix
	if prefixValue, ok := entry.Data[prefixKey]; ok {
		prefix, ok = prefixValue.(string)
		if !ok {
			return errors.New("prefix is not a string")
		}
	}
	hook.counterVec.WithLabelValues(entry.Level.String(), prefix).Inc()
	return nil
}

// Levels returns the log levels the hook subscribes to.
func (_ *LogrusCollector) Levels() []logrus.Level {
	return supportedLevels
}
