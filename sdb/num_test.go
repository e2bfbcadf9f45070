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
	"math"
	"strconv"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
)

func TestParseUint(t *testing.T) {
	testCases := []struct {
		in string
		n  uint64
	}{
		{"0", 0},
		{"42", 42},
		{"007", 7},
		{"12abc", 12},
		{"  \t\n99", 99},
		{"+5", 5},
		{"-1", math.MaxUint64},
		{"-2", math.MaxUint64 - 1},
		{"18446744073709551615", math.MaxUint64},
		{"18446744073709551616", math.MaxUint64},
		{"99999999999999999999999", math.MaxUint64},
		{"-99999999999999999999999", math.MaxUint64},
		{"", 0},
		{"abc", 0},
		{"   ", 0},
		{"+", 0},
		{"- 1", 0},
		{"1 2", 1},
	}
	for _, c := range testCases {
		t.Run(strconv.Quote(c.in), func(t *testing.T) {
			require.Equal(t, c.n, parseUint(c.in))
		})
	}
}

func TestGetNAbsent(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := NewMockStore(ctrl)
	// An absent key reads as 0 and is not created.
	s.EXPECT().Get("n").Return("", false)
	require.EqualValues(t, 0, GetN(s, "n"))
}

func TestGetNNormalizes(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := NewMockStore(ctrl)
	gomock.InOrder(
		s.EXPECT().Get("n").Return("0042xyz", true),
		s.EXPECT().Set("n", "42").Return(true),
	)
	require.EqualValues(t, 42, GetN(s, "n"))
}

func TestGetNNoDigits(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := NewMockStore(ctrl)
	// A present value without digits is rewritten as "0".
	gomock.InOrder(
		s.EXPECT().Get("n").Return("hello", true),
		s.EXPECT().Set("n", "0").Return(true),
	)
	require.EqualValues(t, 0, GetN(s, "n"))

	db := newTestDB(t)
	for _, v := range []string{"hello", "", "-", " x"} {
		require.True(t, db.Set("k", v))
		require.EqualValues(t, 0, GetN(db, "k"))
		got, ok := db.Get("k")
		require.True(t, ok)
		require.Equal(t, "0", got, "value %q", v)
		require.True(t, NExists(db, "k"))
	}
}

func TestSetN(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := NewMockStore(ctrl)
	gomock.InOrder(
		s.EXPECT().Set("n", "0").Return(true),
		s.EXPECT().Set("n", "18446744073709551615").Return(true),
	)
	SetN(s, "n", 0)
	SetN(s, "n", math.MaxUint64)
}

func TestIncOverflow(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := NewMockStore(ctrl)
	almost := strconv.FormatUint(math.MaxUint64-1, 10)
	// The normalizing read rewrites the value; the increment must not.
	gomock.InOrder(
		s.EXPECT().Get("n").Return(almost, true),
		s.EXPECT().Set("n", almost).Return(true),
	)
	require.EqualValues(t, 0, Inc(s, "n", 2))
}

func TestIncDec(t *testing.T) {
	db := newTestDB(t)

	require.EqualValues(t, 0, Inc(db, "n", 1))
	v, _ := db.Get("n")
	require.Equal(t, "1", v)
	require.EqualValues(t, 1, Inc(db, "n", 10))
	require.EqualValues(t, 11, GetN(db, "n"))

	// Exactly reaching the maximum is allowed.
	SetN(db, "n", math.MaxUint64-5)
	require.EqualValues(t, uint64(math.MaxUint64-5), Inc(db, "n", 5))
	require.EqualValues(t, uint64(math.MaxUint64), GetN(db, "n"))
	require.EqualValues(t, 0, Inc(db, "n", 1))
	require.EqualValues(t, uint64(math.MaxUint64), GetN(db, "n"))

	SetN(db, "n", 10)
	require.EqualValues(t, 10, Dec(db, "n", 3))
	require.EqualValues(t, 7, GetN(db, "n"))
	require.EqualValues(t, 7, Dec(db, "n", 7))
	require.EqualValues(t, 0, GetN(db, "n"))

	// Underflow clamps to zero.
	SetN(db, "n", 3)
	require.EqualValues(t, 0, Dec(db, "n", 4))
	v, _ = db.Get("n")
	require.Equal(t, "0", v)

	// Counters on an absent key start from zero.
	require.EqualValues(t, 0, Dec(db, "m", 1))
	v, ok := db.Get("m")
	require.True(t, ok)
	require.Equal(t, "0", v)
}

func TestNExists(t *testing.T) {
	db := newTestDB(t)
	db.Set("num", "12")
	db.Set("str", "x12")
	db.Set("empty", "")

	require.True(t, NExists(db, "num"))
	require.False(t, NExists(db, "str"))
	require.False(t, NExists(db, "empty"))
	require.False(t, NExists(db, "absent"))
}
