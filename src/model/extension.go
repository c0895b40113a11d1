// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package model

import (
	"fmt"
	"time"
)

type ExtensionKind string

const (
	KindString ExtensionKind = "string"
	KindInt    ExtensionKind = "int"
	KindBool   ExtensionKind = "bool"
	KindTime   ExtensionKind = "time"
)

// ExtensionValue is one typed entry of the task's open extension bag.
// Only the field matching Kind is meaningful.
type ExtensionValue struct {
	Kind ExtensionKind `json:"kind" dynamodbav:"kind"`
	Str  string        `json:"str,omitempty" dynamodbav:"str,omitempty"`
	Int  int64         `json:"int,omitempty" dynamodbav:"int,omitempty"`
	Bool bool          `json:"bool,omitempty" dynamodbav:"bool,omitempty"`
	Time *time.Time    `json:"time,omitempty" dynamodbav:"time,omitempty"`
}

func StringValue(s string) ExtensionValue { return ExtensionValue{Kind: KindString, Str: s} }

func IntValue(i int64) ExtensionValue { return ExtensionValue{Kind: KindInt, Int: i} }

func BoolValue(b bool) ExtensionValue { return ExtensionValue{Kind: KindBool, Bool: b} }

func TimeValue(t time.Time) ExtensionValue { return ExtensionValue{Kind: KindTime, Time: &t} }

func (v ExtensionValue) Validate() error {
	switch v.Kind {
	case KindString, KindInt, KindBool:
		return nil
	case KindTime:
		if v.Time == nil {
			return fmt.Errorf("time value without a timestamp")
		}
		return nil
	default:
		return fmt.Errorf("unknown extension kind %q", v.Kind)
	}
}

// Interface returns the Go value held by v.
func (v ExtensionValue) Interface() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return v.Int
	case KindBool:
		return v.Bool
	case KindTime:
		if v.Time != nil {
			return *v.Time
		}
	}
	return nil
}
