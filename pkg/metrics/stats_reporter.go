/*
Copyright 2026 The Knative Authors

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

package metrics

import (
	"context"
	"log"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	// eventCountM is a counter which records the number of events
	// dispatched by the relay.
	eventCountM = stats.Int64(
		"event_count",
		"Number of events dispatched by the relay",
		stats.UnitDimensionless,
	)

	// dispatchTimeInMsecM records the time spent handling an event, in
	// milliseconds.
	dispatchTimeInMsecM = stats.Float64(
		"event_dispatch_latencies",
		"The time spent dispatching an event to its namespace handler",
		stats.UnitMilliseconds,
	)

	// Tag keys must conform to the restrictions described in
	// go.opencensus.io/tag/validate.go: length between 1 and 255 inclusive
	// and printable US-ASCII characters.
	namespaceKey = tag.MustNewKey(LabelNamespace)
	eventNameKey = tag.MustNewKey(LabelEventName)
	resultKey    = tag.MustNewKey(LabelResult)

	emptyContext = context.Background()
)

// Views exposes the registered views so exporters and tests can read them.
var Views = []*view.View{
	{
		Description: eventCountM.Description(),
		Measure:     eventCountM,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{namespaceKey, eventNameKey, resultKey},
	},
	{
		Description: dispatchTimeInMsecM.Description(),
		Measure:     dispatchTimeInMsecM,
		Aggregation: view.Distribution(1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000),
		TagKeys:     []tag.Key{namespaceKey, resultKey},
	},
}

func init() {
	if err := view.Register(Views...); err != nil {
		log.Print("failed to register opencensus views, " + err.Error())
	}
}

// ReportArgs identifies the event being reported.
type ReportArgs struct {
	Namespace string
	EventName string
}

// StatsReporter reports relay metrics.
type StatsReporter interface {
	ReportEventCount(args *ReportArgs, result string) error
	ReportEventDispatchTime(args *ReportArgs, result string, d time.Duration) error
}

var _ StatsReporter = (*reporter)(nil)

type reporter struct{}

// NewStatsReporter creates a reporter that collects relay metrics.
func NewStatsReporter() StatsReporter {
	return &reporter{}
}

// ReportEventCount captures the event count.
func (r *reporter) ReportEventCount(args *ReportArgs, result string) error {
	ctx, err := tag.New(
		emptyContext,
		tag.Insert(namespaceKey, args.Namespace),
		tag.Insert(eventNameKey, args.EventName),
		tag.Insert(resultKey, result))
	if err != nil {
		return err
	}
	stats.Record(ctx, eventCountM.M(1))
	return nil
}

// ReportEventDispatchTime captures dispatch times.
func (r *reporter) ReportEventDispatchTime(args *ReportArgs, result string, d time.Duration) error {
	ctx, err := tag.New(
		emptyContext,
		tag.Insert(namespaceKey, args.Namespace),
		tag.Insert(resultKey, result))
	if err != nil {
		return err
	}
	// convert time.Duration in nanoseconds to milliseconds.
	stats.Record(ctx, dispatchTimeInMsecM.M(float64(d)/float64(time.Millisecond)))
	return nil
}

type nopReporter struct{}

// NopReporter discards every report.
func NopReporter() StatsReporter {
	return nopReporter{}
}

func (nopReporter) ReportEventCount(*ReportArgs, string) error { return nil }

func (nopReporter) ReportEventDispatchTime(*ReportArgs, string, time.Duration) error { return nil }
