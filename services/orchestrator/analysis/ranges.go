// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"fmt"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
)

// Range is an inclusive physiological safe interval.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains reports whether v lies within [Min, Max].
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Direction returns which side of the range v fell on. Only meaningful when
// Contains(v) is false.
func (r Range) Direction(v float64) datatypes.Direction {
	if v < r.Min {
		return datatypes.DirectionLow
	}
	return datatypes.DirectionHigh
}

func (r Range) validate() error {
	if r.Min > r.Max {
		return fmt.Errorf("min %.2f exceeds max %.2f", r.Min, r.Max)
	}
	return nil
}

// SafeRange is the absolute range for one kind. Blood pressure uses both
// Primary (systolic) and Secondary (diastolic); every other kind uses Primary.
type SafeRange struct {
	Primary   Range  `yaml:"primary" json:"primary"`
	Secondary *Range `yaml:"secondary,omitempty" json:"secondary,omitempty"`
}

// DefaultSafeRanges returns adult resting reference ranges for every kind.
//
// # Description
//
// These are deliberately wide. They flag readings that are implausible or
// clearly concerning, not readings that are merely suboptimal.
//
// # Outputs
//
//   - map[datatypes.MetricKind]SafeRange: A fresh map the caller may modify.
func DefaultSafeRanges() map[datatypes.MetricKind]SafeRange {
	return map[datatypes.MetricKind]SafeRange{
		datatypes.MetricHeartRate:        {Primary: Range{Min: 40, Max: 180}},
		datatypes.MetricHRV:              {Primary: Range{Min: 10, Max: 200}},
		datatypes.MetricSteps:            {Primary: Range{Min: 0, Max: 100000}},
		datatypes.MetricSleep:            {Primary: Range{Min: 3, Max: 14}},
		datatypes.MetricWeight:           {Primary: Range{Min: 20, Max: 300}},
		datatypes.MetricBloodPressure:    {Primary: Range{Min: 90, Max: 180}, Secondary: &Range{Min: 60, Max: 120}},
		datatypes.MetricTemperature:      {Primary: Range{Min: 35.0, Max: 39.5}},
		datatypes.MetricGlucose:          {Primary: Range{Min: 70, Max: 250}},
		datatypes.MetricOxygenSaturation: {Primary: Range{Min: 90, Max: 100}},
	}
}
