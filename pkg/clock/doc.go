// Package clock provides the pluggable time source used by the broker.
//
// The broker compares lock expiries against Clock.Now and never sleeps on
// wall-clock time, so swapping Real for Manual makes every lease transition
// reproducible in tests.
package clock
