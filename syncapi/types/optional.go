// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

// Presence distinguishes a field that was never looked at from one that is
// known to be empty.
type Presence uint8

const (
	NotLoaded Presence = iota
	Absent
	Present
)

func (p Presence) String() string {
	switch p {
	case Absent:
		return "absent"
	case Present:
		return "present"
	default:
		return "not_loaded"
	}
}

// Optional is a tri-state value.
type Optional[T any] struct {
	State Presence
	Value T
}

func Some[T any](v T) Optional[T] {
	return Optional[T]{State: Present, Value: v}
}

func None[T any]() Optional[T] {
	return Optional[T]{State: Absent}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.Value, o.State == Present
}

func (o Optional[T]) IsPresent() bool {
	return o.State == Present
}

func (o Optional[T]) IsLoaded() bool {
	return o.State != NotLoaded
}

// OrElse returns the value if present, otherwise def.
func (o Optional[T]) OrElse(def T) T {
	if o.State == Present {
		return o.Value
	}
	return def
}

// Ptr returns a pointer to the value when present, for storing in nullable
// columns.
func (o Optional[T]) Ptr() *T {
	if o.State != Present {
		return nil
	}
	v := o.Value
	return &v
}

// FromPtr builds an Optional from a nullable column value.
func FromPtr[T any](v *T) Optional[T] {
	if v == nil {
		return None[T]()
	}
	return Some(*v)
}
