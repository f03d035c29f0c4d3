// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package errors

import (
	"fmt"
	"testing"
)

func TestErrorDebugString(t *testing.T) {
	tests := []struct {
		desc string
		err  error
		want string
	}{
		{
			desc: "With Op, Code, and string",
			err:  E(Op("rdb.Take"), NotFound, "cannot find entry"),
			want: "rdb.Take: NOT_FOUND: cannot find entry",
		},
		{
			desc: "With Op, Code and error",
			err:  E(Op("rdb.Put"), Internal, fmt.Errorf("connection refused")),
			want: "rdb.Put: INTERNAL_ERROR: connection refused",
		},
	}

	for _, tc := range tests {
		if got := tc.err.(*Error).DebugString(); got != tc.want {
			t.Errorf("%s: got=%q, want=%q", tc.desc, got, tc.want)
		}
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		desc string
		err  error
		want string
	}{
		{
			desc: "With Op, Code, and string",
			err:  E(Op("rdb.Take"), NotFound, "cannot find entry"),
			want: "NOT_FOUND: cannot find entry",
		},
		{
			desc: "With only Op and error",
			err:  E(Op("rdb.Put"), fmt.Errorf("connection refused")),
			want: "connection refused",
		},
	}

	for _, tc := range tests {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("%s: got=%q, want=%q", tc.desc, got, tc.want)
		}
	}
}

func TestErrorIs(t *testing.T) {
	var ErrCustom = New("custom sentinel error")

	tests := []struct {
		desc   string
		err    error
		target error
		want   bool
	}{
		{
			desc:   "should unwrap one level",
			err:    E(Op("memstore.Get"), ErrNotFound),
			target: ErrNotFound,
			want:   true,
		},
		{
			desc:   "should not match unrelated sentinel",
			err:    E(Op("memstore.Get"), ErrCustom),
			target: ErrNotFound,
			want:   false,
		},
	}

	for _, tc := range tests {
		if got := Is(tc.err, tc.target); got != tc.want {
			t.Errorf("%s: got=%t, want=%t", tc.desc, got, tc.want)
		}
	}
}

func TestCanonicalCode(t *testing.T) {
	tests := []struct {
		desc string
		err  error
		want Code
	}{
		{
			desc: "without nesting",
			err:  E(Op("rdb.Get"), NotFound, ErrNotFound),
			want: NotFound,
		},
		{
			desc: "with nesting",
			err:  E(FailedPrecondition, E(NotFound)),
			want: FailedPrecondition,
		},
		{
			desc: "returns Unspecified if err is not *Error",
			err:  New("some other error"),
			want: Unspecified,
		},
		{
			desc: "returns Unspecified if err is nil",
			err:  nil,
			want: Unspecified,
		},
	}

	for _, tc := range tests {
		if got := CanonicalCode(tc.err); got != tc.want {
			t.Errorf("%s: got=%s, want=%s", tc.desc, got, tc.want)
		}
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(E(Op("pebblestore.Get"), ErrNotFound)) {
		t.Error("IsNotFound(wrapped ErrNotFound) = false, want true")
	}
	if !IsNotFound(E(Op("rdb.Get"), NotFound, "missing")) {
		t.Error("IsNotFound(NotFound code) = false, want true")
	}
	if IsNotFound(New("boom")) {
		t.Error("IsNotFound(unrelated) = true, want false")
	}
}
