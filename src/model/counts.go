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

// StatusCounts summarizes the stored tasks for the global status view.
type StatusCounts struct {
	Total     int `json:"total_tasks"`
	Runnable  int `json:"runnable_tasks"`
	Waiting   int `json:"waiting_tasks"`
	Suspended int `json:"suspended_tasks"`
	Closed    int `json:"closed_tasks"`
	Claimed   int `json:"claimed_tasks"`
}

// Add counts one task with the given status.
func (c *StatusCounts) Add(s ExecutionStatus, claimed bool) {
	c.Total++
	switch s {
	case ExecutionRunnable:
		c.Runnable++
	case ExecutionWaiting:
		c.Waiting++
	case ExecutionSuspended:
		c.Suspended++
	case ExecutionClosed:
		c.Closed++
	}
	if claimed {
		c.Claimed++
	}
}
