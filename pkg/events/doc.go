// Package events defines the data-plane event and the sources that feed the engine.
//
// A Source pulls events from somewhere (an in-process channel, a Redis list or
// an AMQP queue) and hands each one to a Sink, normally Engine.SubmitEvent.
// Sources redeliver an event when the sink reports the scheduler is full and
// drop events that cannot be decoded.
package events
