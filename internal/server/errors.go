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

package server

import (
	"errors"
)

// Error classes reported by the gate services. Callers map them to
// their transport specific status.
var ErrCredential = errors.New("invalid credential")
var ErrLockout = errors.New("account locked")
var ErrTooManyAttempts = errors.New("too many attempts")
var ErrTransient = errors.New("temporary failure")
var ErrConfiguration = errors.New("configuration error")
var ErrConflict = errors.New("conflicting state")
var ErrInvalidRequest = errors.New("invalid request")
