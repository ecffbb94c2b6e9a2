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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault_FailsValidationWithoutDevices(t *testing.T) {
	c := Default()
	require.Error(t, c.EvalAndValidate())

	c.GPSDevice = "/dev/ttyS0"
	c.PHCDevice = "/dev/ptp0"
	require.NoError(t, c.EvalAndValidate())
}

func TestEvalAndValidate_RejectsEmptyLatencyBand(t *testing.T) {
	c := Default()
	c.GPSDevice = "/dev/ttyS0"
	c.PHCDevice = "/dev/ptp0"
	c.NMEALatencyMinMS = 800
	c.NMEALatencyMaxMS = 20
	require.Error(t, c.EvalAndValidate())
}

func TestReadConfig_OverridesDefaultsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gpsgm.yaml")
	contents := "gps_device: /dev/ttyS0\nphc_device: /dev/ptp0\nbias_capture_pulses: 30\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	c, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyS0", c.GPSDevice)
	require.Equal(t, 30, c.BiasCapturePulses)
	require.Equal(t, 5, c.LockConfirmationCount, "unset fields keep their default")
}

func TestDisciplinor_CarriesThresholdsFromConfig(t *testing.T) {
	c := Default()
	c.RunStepThresholdNS = 2_000_000_000
	d := c.Disciplinor()
	require.Equal(t, int64(2_000_000_000), d.RunStepThreshold.Nanoseconds())
}
