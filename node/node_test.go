package node

import (
	"testing"

	"github.com/sentinelwatch/sentinel/monitoring/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestAttachLogrusCollector_RegistersOnce(t *testing.T) {
	attachLogrusCollector()
	attachLogrusCollector()

	count := 0
	for _, hook := range logrus.StandardLogger().Hooks[logrus.InfoLevel] {
		if _, ok := hook.(*prometheus.LogrusCollector); ok {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
