package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/alwitt/vidvault/common"
	"github.com/alwitt/vidvault/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestUsageMonitor(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	paths := common.PathsConfig{}
	for _, dir := range []*string{&paths.CacheDir, &paths.RecordDir, &paths.ClipsDir} {
		*dir = fmt.Sprintf("/tmp/ut-%s", uuid.NewString())
		assert.Nil(os.MkdirAll(*dir, 0o755))
		defer func(d string) { _ = os.RemoveAll(d) }(*dir)
	}

	registry := prometheus.NewRegistry()
	metrics := common.NewRetentionMetrics(registry)

	uut, err := storage.NewUsageMonitor(utCtxt, paths, metrics)
	assert.Nil(err)
	wg := sync.WaitGroup{}
	assert.Nil(uut.Start(&wg))
	defer func() {
		assert.Nil(uut.Stop(utCtxt))
		cancel()
		wg.Wait()
	}()

	// Case 0: one report pass populates total/used/free gauges for both roots
	assert.Nil(uut.ReportUsage(utCtxt))
	gathered, err := registry.Gather()
	assert.Nil(err)
	for _, family := range gathered {
		if family.GetName() != "retention_disk_usage_bytes" {
			continue
		}
		// total/used/free for the cache and record roots
		assert.Len(family.GetMetric(), 6)
		return
	}
	assert.Fail("disk usage metric family was not gathered")
}
