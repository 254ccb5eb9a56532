// Copyright 2025 Tom Barlow
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

package daemon

import (
	"context"

	"github.com/tracklane/engine/internal/ledger"
	"github.com/tracklane/engine/internal/registry"
)

// registerBuiltins registers the handful of handlers every engine
// process needs regardless of deployment-specific business logic: an
// "echo" operation that returns its params unchanged, useful for
// smoke-testing a new backend or executor wiring end to end, and a
// "noop" task that does nothing but succeed. Real deployments register
// their own handlers against the same Registry before calling Start.
func registerBuiltins(reg *registry.Registry) {
	reg.MustRegister(ledger.KindOperation, "echo", registry.HandlerFunc(
		func(ctx context.Context, spec ledger.WorkSpec) (map[string]any, error) {
			return spec.Params, nil
		}))

	reg.MustRegister(ledger.KindTask, "noop", registry.HandlerFunc(
		func(ctx context.Context, spec ledger.WorkSpec) (map[string]any, error) {
			return nil, nil
		}))
}
