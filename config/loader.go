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
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v7"
	"github.com/lindb/common/pkg/ltoml"
	"github.com/pkg/errors"
)

// envPrefix is the prefix of all httpgate environment overrides.
const envPrefix = "HTTPGATE_"

// fileConfig wraps HTTPGate under its toml table name.
type fileConfig struct {
	HTTPGate HTTPGate `toml:"httpgate"`
}

// Load loads the httpgate config from the given toml file(optional),
// then applies environment overrides on top of it.
func Load(path string) (*HTTPGate, error) {
	cfg := NewDefaultHTTPGate()
	if path != "" {
		wrapper := fileConfig{HTTPGate: *cfg}
		if _, err := toml.DecodeFile(path, &wrapper); err != nil {
			return nil, errors.Wrapf(err, "decode config file[%s] failure", path)
		}
		*cfg = wrapper.HTTPGate
	}
	if err := loadEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnv applies HTTPGATE_* environment variables to the config.
func loadEnv(cfg *HTTPGate) error {
	funcMap := map[reflect.Type]env.ParserFunc{
		reflect.TypeOf(ltoml.Duration(0)): func(v string) (interface{}, error) {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return ltoml.Duration(d), nil
		},
	}
	if err := env.ParseWithFuncs(cfg, funcMap, env.Options{Prefix: envPrefix}); err != nil {
		return errors.Wrap(err, "parse environment overrides failure")
	}
	return nil
}
