// Licensed to LinDB under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. LinDB licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package config

import (
	"fmt"
	"time"

	"github.com/lindb/common/pkg/ltoml"
)

// HTTPGate represents the configuration of the url dispatcher core.
type HTTPGate struct {
	MaxConnectionsPerEndpoint int            `env:"MAX_CONNECTIONS_PER_ENDPOINT" toml:"max-connections-per-endpoint"`
	MaxLongRunningPerEndpoint int            `env:"MAX_LONG_RUNNING_PER_ENDPOINT" toml:"max-long-running-per-endpoint"`
	UseSharedTransport        bool           `env:"USE_SHARED_TRANSPORT" toml:"use-shared-transport"`
	RequestTimeout            ltoml.Duration `env:"REQUEST_TIMEOUT" toml:"request-timeout"`
	WorkerIdleTimeout         ltoml.Duration `env:"WORKER_IDLE_TIMEOUT" toml:"worker-idle-timeout"`
	WorkerCollectInterval     ltoml.Duration `env:"WORKER_COLLECT_INTERVAL" toml:"worker-collect-interval"`
}

// NewDefaultHTTPGate returns a new default httpgate config.
func NewDefaultHTTPGate() *HTTPGate {
	return &HTTPGate{
		MaxConnectionsPerEndpoint: 4,
		MaxLongRunningPerEndpoint: 2,
		UseSharedTransport:        true,
		RequestTimeout:            ltoml.Duration(60 * time.Second),
		WorkerIdleTimeout:         ltoml.Duration(15 * time.Second),
		WorkerCollectInterval:     ltoml.Duration(10 * time.Second),
	}
}

// TOML returns HTTPGate's toml config
func (c *HTTPGate) TOML() string {
	return fmt.Sprintf(`
## Config for the HTTP url dispatcher
[httpgate]
## hard cap of concurrent requests per endpoint, all classes combined
## Default: %d
## Env: HTTPGATE_MAX_CONNECTIONS_PER_ENDPOINT
max-connections-per-endpoint = %d
## per-endpoint quota for long running(streaming) requests
## Default: %d
## Env: HTTPGATE_MAX_LONG_RUNNING_PER_ENDPOINT
max-long-running-per-endpoint = %d
## prefer the shared session transport when available,
## else fall back to per-connection transport
## Default: %t
## Env: HTTPGATE_USE_SHARED_TRANSPORT
use-shared-transport = %t
## request timeout enforced by the dispatcher(the transport timer is disabled)
## Default: %s
## Env: HTTPGATE_REQUEST_TIMEOUT
request-timeout = "%s"
## endpoint worker threads idle longer than this are reclaimed
## Default: %s
## Env: HTTPGATE_WORKER_IDLE_TIMEOUT
worker-idle-timeout = "%s"
## period of the idle worker collector
## Default: %s
## Env: HTTPGATE_WORKER_COLLECT_INTERVAL
worker-collect-interval = "%s"`,
		c.MaxConnectionsPerEndpoint,
		c.MaxConnectionsPerEndpoint,
		c.MaxLongRunningPerEndpoint,
		c.MaxLongRunningPerEndpoint,
		c.UseSharedTransport,
		c.UseSharedTransport,
		c.RequestTimeout.String(),
		c.RequestTimeout.String(),
		c.WorkerIdleTimeout.String(),
		c.WorkerIdleTimeout.String(),
		c.WorkerCollectInterval.String(),
		c.WorkerCollectInterval.String(),
	)
}
