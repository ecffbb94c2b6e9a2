/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// Hints is the small set of values worth remembering across a daemon
// restart: a captured frequency bias and an RTC aging offset both take
// tens of minutes to re-learn from scratch. They are hints, not truth —
// the caller must re-validate them against live GPS data before trusting
// them for steering.
type Hints struct {
	CapturedBiasPPB float64 `yaml:"captured_bias_ppb"`
	RTCAgingOffset  int8    `yaml:"rtc_aging_offset"`
	SavedAtUnixSec  int64   `yaml:"saved_at_unix_sec"`
}

// LoadHints reads a hint file. A missing file is not an error: it just
// means there is nothing to seed with yet.
func LoadHints(path string) (*Hints, error) {
	if path == "" {
		return &Hints{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Hints{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading hint file %q: %w", path, err)
	}
	h := &Hints{}
	if err := yaml.Unmarshal(data, h); err != nil {
		return nil, fmt.Errorf("parsing hint file %q: %w", path, err)
	}
	return h, nil
}

// Save writes the hint file. A blank path disables persistence.
func (h *Hints) Save(path string) error {
	if path == "" {
		return nil
	}
	data, err := yaml.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshaling hint file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing hint file %q: %w", path, err)
	}
	return nil
}
