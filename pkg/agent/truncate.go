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

package agent

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// defaultToolResultMaxBytes is the tool_result.max_bytes default named
// in spec.md §4.7.
const defaultToolResultMaxBytes = 16 * 1024

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func sharedEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// truncateToolResultText cuts text to maxBytes (defaulting to
// defaultToolResultMaxBytes). For natural-language payloads it walks
// the tiktoken token boundary nearest the limit so the cut never splits
// a multi-byte token; for opaque/structured payloads (JSON blobs,
// binary-ish content) it falls back to a plain byte cut, since token
// boundaries carry no meaning there.
func truncateToolResultText(text string, maxBytes int, naturalLanguage bool) string {
	if maxBytes <= 0 {
		maxBytes = defaultToolResultMaxBytes
	}
	if len(text) <= maxBytes {
		return text
	}
	if !naturalLanguage {
		return text[:maxBytes]
	}

	enc := sharedEncoding()
	if enc == nil {
		return text[:maxBytes]
	}

	tokens := enc.Encode(text, nil, nil)
	lo, hi, best := 0, len(tokens), ""
	for lo <= hi {
		mid := (lo + hi) / 2
		candidate := enc.Decode(tokens[:mid])
		if len(candidate) <= maxBytes {
			best = candidate
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}
