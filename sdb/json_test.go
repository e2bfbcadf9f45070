// Copyright 2024 The Cockroach Authors
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

package sdb

import (
	"bytes"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsJSON(t *testing.T) {
	testCases := []struct {
		in       string
		expected bool
	}{
		{`{}`, true},
		{`[]`, true},
		{`{"a":[1,2,{"b":null}]}`, true},
		{`{"a":"}"}`, true},
		{`["[", "{"]`, true},
		{`{}{}`, true},
		{`[}`, true},
		{``, false},
		{`"str"`, false},
		{`42`, false},
		{` {}`, false},
		{`{`, false},
		{`{"a":1`, false},
		{`{"a`, false},
		{`{}}`, false},
		{`{}]{`, false},
		{"{}\x00garbage", true},
		{"{\x00}", false},
		{"\x00{}", false},
	}
	for _, c := range testCases {
		t.Run(strconv.Quote(c.in), func(t *testing.T) {
			require.Equal(t, c.expected, IsJSON(c.in))
		})
	}
}

func FuzzIsJSON(f *testing.F) {
	for _, s := range []string{``, `{}`, `[{"a":"]"}]`, "{\x00", `{"`, `]]]]`} {
		f.Add([]byte(s))
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) > 1000 {
			data = data[:1000]
		}
		got := IsJSON(string(data))
		// Escaped quotes are not understood by the probe. Any other JSON
		// object or array passes.
		if len(data) > 0 && (data[0] == '{' || data[0] == '[') &&
			bytes.IndexByte(data, '\\') < 0 && json.Valid(data) {
			require.True(t, got, "%q", data)
		}
	})
}
