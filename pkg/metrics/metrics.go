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

// Package metrics records relay dispatch outcomes with OpenCensus.
package metrics

const (
	// LabelNamespace is the label for the event source namespace an event arrived on.
	LabelNamespace = "namespace"

	// LabelEventName is the label for the event name (the measurement written by sinks).
	LabelEventName = "event_name"

	// LabelResult is the label for the outcome of a dispatch, one of the Result values.
	LabelResult = "result"
)

// Result values recorded under LabelResult.
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultUnrouted = "unrouted"
)
