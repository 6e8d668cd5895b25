/*
 * Copyright 2025 Holger de Carne
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package conf

import (
	"reflect"
	"time"

	"github.com/tdrn-org/go-conf"
)

type Runtime struct {
	UserSessionLifetime  time.Duration
	VerificationLifetime time.Duration
	SiteAccessLifetime   time.Duration
	AdminSessionLifetime time.Duration
	LockoutDuration      time.Duration
	MaxLoginAttempts     int
	MaxVerifyAttempts    int
	PendingSetupLifetime time.Duration
	SiteLogRetention     time.Duration
}

var defaultRuntime *Runtime = &Runtime{
	UserSessionLifetime:  12 * time.Hour,
	VerificationLifetime: 30 * time.Minute,
	SiteAccessLifetime:   8 * time.Hour,
	AdminSessionLifetime: 8 * time.Hour,
	LockoutDuration:      15 * time.Minute,
	MaxLoginAttempts:     5,
	MaxVerifyAttempts:    5,
	PendingSetupLifetime: 1 * time.Hour,
	SiteLogRetention:     90 * 24 * time.Hour,
}

func (c *Runtime) Type() reflect.Type {
	return reflect.TypeFor[*Runtime]()
}

func (c *Runtime) Bind() {
	conf.BindConfiguration(c)
}

func LookupRuntime() *Runtime {
	return conf.LookupConfigurationOrDefault(defaultRuntime)
}

func BindToRuntime(apply func(conf.Configuration)) {
	conf.BindToConfiguration(defaultRuntime.Type(), apply)
}

func init() {
	defaultRuntime.Bind()
}
