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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracklane/engine/internal/config"
	"github.com/tracklane/engine/internal/ledger"
)

func testSettings() *config.Settings {
	cfg := config.Default()
	cfg.Backend.URL = "memory://"
	cfg.Executor.Kind = "memory"
	cfg.Reconciler.PollInterval = 10 * time.Millisecond
	return cfg
}

func TestNew_BuildsAndRegistersBuiltins(t *testing.T) {
	d, err := New(testSettings(), Options{Version: "test"})
	require.NoError(t, err)
	require.NotNil(t, d.Dispatcher())

	names := d.Registry().Names()
	assert.Contains(t, names, "operation/echo")
}

func TestNew_RejectsUnrecognizedExecutorKind(t *testing.T) {
	cfg := testSettings()
	cfg.Executor.Kind = "not-a-real-kind"
	_, err := New(cfg, Options{})
	require.Error(t, err)
}

func TestNew_RejectsUnrecognizedOrphanPolicy(t *testing.T) {
	cfg := testSettings()
	cfg.Reconciler.OrphanPolicy = "not-a-real-policy"
	_, err := New(cfg, Options{})
	require.Error(t, err)
}

func TestDaemon_StartSubmitShutdown(t *testing.T) {
	d, err := New(testSettings(), Options{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))

	run, err := d.Dispatcher().Submit(ctx, ledger.WorkSpec{Kind: ledger.KindTask, Name: "noop"})
	require.NoError(t, err)
	require.NotEmpty(t, run.RunID)

	require.Eventually(t, func() bool {
		latest, err := d.Dispatcher().Status(ctx, run.RunID)
		return err == nil && latest.Status == ledger.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Shutdown(ctx))
}

func TestDaemon_StartTwiceFails(t *testing.T) {
	d, err := New(testSettings(), Options{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	defer d.Shutdown(ctx)

	require.Error(t, d.Start(ctx))
}

func TestDaemon_ShutdownBeforeStartIsNoop(t *testing.T) {
	d, err := New(testSettings(), Options{})
	require.NoError(t, err)
	require.NoError(t, d.Shutdown(context.Background()))
}
