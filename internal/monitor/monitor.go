// Copyright 2024 The scopefs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitor holds the process-wide prometheus metrics and the optional
// HTTP endpoint that exports them.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scopefs/scopefs/internal/logger"
)

var (
	// RedactedBytes counts bytes zeroed out of read replies.
	RedactedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scopefs_redacted_bytes_total",
		Help: "Number of bytes replaced with zeroes in read replies.",
	})

	// CacheEvictions counts files whose pages were dropped by the cache
	// reclaimer.
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scopefs_cache_evictions_total",
		Help: "Number of files whose page cache contents were dropped to bound memory.",
	})

	// AuthorityFaults counts failed calls to the policy authority, as
	// opposed to denials, which are normal operation.
	AuthorityFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scopefs_authority_faults_total",
		Help: "Number of policy authority calls that failed outright.",
	})

	// DentryInvalidations counts asynchronous kernel dentry invalidations.
	DentryInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scopefs_dentry_invalidations_total",
		Help: "Number of kernel dentry cache entries invalidated asynchronously.",
	})
)

// ShutdownFn stops the metrics endpoint, waiting up to the context deadline.
type ShutdownFn func(ctx context.Context) error

// Serve exports /metrics on the given port. Port zero disables the endpoint
// and returns a no-op shutdown.
func Serve(port int) ShutdownFn {
	if port <= 0 {
		return func(context.Context) error { return nil }
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", port),
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		logger.Infof("Serving metrics at localhost:%d/metrics", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server failed: %v", err)
		}
	}()

	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}
