// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package mmq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type queueMetrics struct {
	blocksWritten    prometheus.Counter
	bytesWritten     prometheus.Counter
	blocksRead       prometheus.Counter
	bytesRead        prometheus.Counter
	syncs            prometheus.Counter
	segmentRotations prometheus.Counter
	segmentsFreed    prometheus.Counter
	writeRetries     prometheus.Counter
}

func newQueueMetrics(reg prometheus.Registerer) *queueMetrics {
	return &queueMetrics{
		blocksWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blocks_written",
			Help: "blocks_written counts the number of blocks appended to the queue.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "block_bytes_written",
			Help: "block_bytes_written counts payload bytes appended. Actual bytes" +
				" written to disk are slightly higher as each block carries a" +
				" length prefix.",
		}),
		blocksRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blocks_read",
			Help: "blocks_read counts the number of blocks handed to consumers.",
		}),
		bytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "block_bytes_read",
			Help: "block_bytes_read counts payload bytes handed to consumers.",
		}),
		syncs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segment_syncs",
			Help: "segment_syncs counts segments forced to durable storage and" +
				" published to consumers.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segment_rotations",
			Help: "segment_rotations counts how many times the queue moved" +
				" producers to a fresh segment file.",
		}),
		segmentsFreed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segments_freed",
			Help: "segments_freed counts fully consumed segments whose files" +
				" were destroyed.",
		}),
		writeRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "write_retries",
			Help: "write_retries counts producer retries caused by a full or" +
				" sealing segment.",
		}),
	}
}
