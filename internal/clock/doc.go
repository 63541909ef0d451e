// Package clock provides an injectable time source. The scheduler and the
// in-memory key-value store read time only through Clock, so tests drive
// lease and TTL expiry with a FakeClock.
package clock
