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

package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactSpec_MasksDenylistedParamNames(t *testing.T) {
	spec := WorkSpec{
		Kind: KindTask,
		Name: "deploy",
		Params: map[string]any{
			"api_key":       "sk-live-abc123",
			"auth_token":    "eyJhbGciOi...",
			"db_password":   "hunter2",
			"secretRef":     "projects/x/secrets/y",
			"environment":   "production",
			"replica_count": 3,
		},
	}

	redacted := RedactSpec(spec)

	assert.Equal(t, redactedPlaceholder, redacted.Params["api_key"])
	assert.Equal(t, redactedPlaceholder, redacted.Params["auth_token"])
	assert.Equal(t, redactedPlaceholder, redacted.Params["db_password"])
	assert.Equal(t, redactedPlaceholder, redacted.Params["secretRef"])
	assert.Equal(t, "production", redacted.Params["environment"])
	assert.Equal(t, 3, redacted.Params["replica_count"])
}

func TestRedactSpec_LeavesOriginalUntouched(t *testing.T) {
	original := WorkSpec{
		Kind:   KindTask,
		Name:   "deploy",
		Params: map[string]any{"api_key": "sk-live-abc123"},
	}

	RedactSpec(original)

	assert.Equal(t, "sk-live-abc123", original.Params["api_key"])
}

func TestRedactSpec_NilOrEmptyParams(t *testing.T) {
	spec := WorkSpec{Kind: KindTask, Name: "noop"}
	redacted := RedactSpec(spec)
	assert.Empty(t, redacted.Params)
}

func TestIsSecretParamName_CaseInsensitive(t *testing.T) {
	assert.True(t, isSecretParamName("API_KEY"))
	assert.True(t, isSecretParamName("Secret"))
	assert.True(t, isSecretParamName("Token"))
	assert.True(t, isSecretParamName("Password"))
	assert.False(t, isSecretParamName("environment"))
	assert.False(t, isSecretParamName("count"))
}
