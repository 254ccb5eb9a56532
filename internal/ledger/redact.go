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

import "strings"

// secretParamSubstrings is the denylist of WorkSpec.Params key
// substrings treated as sensitive (§3.1's redaction rule, generalized
// from ContainerJobSpec env vars to every spec's params since any
// handler's params can carry a credential).
var secretParamSubstrings = []string{"key", "secret", "token", "password"}

const redactedPlaceholder = "[REDACTED]"

// RedactSpec returns a copy of spec with any Params entry whose key
// contains a denylisted substring replaced by a placeholder, so the
// value never reaches durable storage. The original spec is left
// untouched; callers hold the real params only in transient memory
// during submission.
func RedactSpec(spec WorkSpec) WorkSpec {
	if len(spec.Params) == 0 {
		return spec
	}

	redacted := make(map[string]any, len(spec.Params))
	for k, v := range spec.Params {
		if isSecretParamName(k) {
			redacted[k] = redactedPlaceholder
		} else {
			redacted[k] = v
		}
	}
	spec.Params = redacted
	return spec
}

func isSecretParamName(name string) bool {
	lower := strings.ToLower(name)
	for _, sub := range secretParamSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
