// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package mmq

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/mmq/store"
	"github.com/dreamsxin/mmq/types"
)

// Option configures a Queue during Open.
type Option func(*Queue)

// WithSegmentSize sets the fixed size in bytes of each segment file.
// Defaults to DefaultSegmentSize.
func WithSegmentSize(size int) Option {
	return func(q *Queue) {
		q.segmentSize = uint32(size)
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger log.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithMetricsRegisterer sets where queue metrics are registered.
// Defaults to a private registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(q *Queue) {
		q.reg = reg
	}
}

// WithCompression stores blocks LZ4-compressed. The setting must match
// across re-opens of the same queue; block frames on disk differ.
func WithCompression() Option {
	return func(q *Queue) {
		q.compress = true
	}
}

// WithDeleteIfExists discards any existing queue state of the same name
// during Open instead of recovering it.
func WithDeleteIfExists() Option {
	return func(q *Queue) {
		q.flags |= types.DeleteIfExists
	}
}

func (q *Queue) applyDefaultsAndValidate() error {
	if q.name == "" {
		return fmt.Errorf("queue name must not be empty")
	}
	if q.segmentSize == 0 {
		q.segmentSize = uint32(DefaultSegmentSize)
	}
	if q.segmentSize < store.MinSize {
		return fmt.Errorf("segment size %d below minimum %d", q.segmentSize, store.MinSize)
	}
	if q.logger == nil {
		q.logger = log.NewNopLogger()
	}
	if q.reg == nil {
		q.reg = prometheus.NewRegistry()
	}
	q.metrics = newQueueMetrics(q.reg)
	return nil
}
