// Package events provides a small typed publish/subscribe bus.
//
// Publishers never block on slow subscribers: a full subscription drops the
// event and the drop is counted in the events_dropped metric. Subscribers that
// must observe every event (the progress tracker) use SubscribeReliable, which
// applies back-pressure to the publisher instead.
//
// Events for a single publisher goroutine arrive in publish order on every
// subscription.
package events
