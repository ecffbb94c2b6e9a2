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

package pidtrim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrim_AccumulatesProportionalToOffset(t *testing.T) {
	tr := New(DefaultKI, 0)
	require.Equal(t, DefaultKI*1000, tr.Update(1000))
	require.Equal(t, DefaultKI*1000+DefaultKI*500, tr.Update(500))
}

func TestTrim_ClampsToMaxAbs(t *testing.T) {
	tr := New(1.0, 5)
	tr.Update(100)
	require.Equal(t, 5.0, tr.Value())

	tr.Reset()
	tr.Update(-100)
	require.Equal(t, -5.0, tr.Value())
}

func TestTrim_Reset(t *testing.T) {
	tr := New(DefaultKI, 0)
	tr.Update(1000)
	require.NotZero(t, tr.Value())
	tr.Reset()
	require.Zero(t, tr.Value())
}
