/*
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

// Package operators reduces a period's worth of events to a single number.
// All operators are pure. The set is closed: an operator name that fails
// Parse is rejected at settings load, never at aggregation time.
package operators

import (
	"fmt"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/metering"
)

type Operator string

const (
	Sum   Operator = "sum"
	Avg   Operator = "avg"
	Min   Operator = "min"
	Max   Operator = "max"
	Count Operator = "count"
	First Operator = "first"
	Last  Operator = "last"
)

var known = map[Operator]struct{}{
	Sum: {}, Avg: {}, Min: {}, Max: {}, Count: {}, First: {}, Last: {},
}

// Parse validates an operator name from configuration.
func Parse(s string) (Operator, error) {
	op := Operator(s)
	if _, ok := known[op]; !ok {
		return "", fmt.Errorf("unknown operator %q", s)
	}
	return op, nil
}

// Result is one reduced value together with the number of contributing events.
type Result struct {
	Value float64
	Count int64
}

// Reduce applies op to events and returns the result. The second return is
// false when there is no data, in which case the event type must be omitted
// from the aggregation output.
//
// For First the caller passes events sorted ascending by receivedAt and for
// Last descending, ties broken by insertion order; Reduce takes the head of
// the slice in both cases. All other operators are order-insensitive.
func Reduce(op Operator, events []metering.Event) (Result, bool, error) {
	if len(events) == 0 {
		return Result{}, false, nil
	}
	n := int64(len(events))
	switch op {
	case Sum:
		var total float64
		for _, e := range events {
			total += e.Value
		}
		return Result{Value: total, Count: n}, true, nil
	case Avg:
		var total float64
		for _, e := range events {
			total += e.Value
		}
		return Result{Value: total / float64(n), Count: n}, true, nil
	case Min:
		min := events[0].Value
		for _, e := range events[1:] {
			if e.Value < min {
				min = e.Value
			}
		}
		return Result{Value: min, Count: n}, true, nil
	case Max:
		max := events[0].Value
		for _, e := range events[1:] {
			if e.Value > max {
				max = e.Value
			}
		}
		return Result{Value: max, Count: n}, true, nil
	case Count:
		return Result{Value: float64(n), Count: n}, true, nil
	case First, Last:
		return Result{Value: events[0].Value, Count: n}, true, nil
	}
	return Result{}, false, fmt.Errorf("unknown operator %q", op)
}
