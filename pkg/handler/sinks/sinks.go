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

// Package sinks wires every built-in handler type into a registry.
package sinks

import (
	"knative.dev/eventing-socketio/pkg/handler"
	"knative.dev/eventing-socketio/pkg/handler/cloudevents"
	"knative.dev/eventing-socketio/pkg/handler/console"
	"knative.dev/eventing-socketio/pkg/handler/influxdb"
	"knative.dev/eventing-socketio/pkg/handler/mqtt"
)

// NewRegistry returns a registry knowing every built-in handler type.
func NewRegistry() *handler.Registry {
	r := handler.NewRegistry()
	r.Register(console.Type, console.NewFromSpec)
	r.Register(influxdb.Type, influxdb.NewFromSpec)
	r.Register(cloudevents.Type, cloudevents.NewFromSpec)
	r.Register(mqtt.Type, mqtt.NewFromSpec)
	return r
}
