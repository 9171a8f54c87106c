package metrics

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_StringReportsCounters(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Inc(&m.DetectionsReceived)
		}()
	}
	wg.Wait()
	Inc(&m.GateOpens)

	out := m.String()
	assert.Contains(t, out, "detections_received_total=10\n")
	assert.Contains(t, out, "gate_opens_total=1\n")
	assert.Contains(t, out, "heartbeat_failed_total=0\n")
	assert.True(t, strings.HasSuffix(out, "\n"))
}
