// Package dpubsub lets many observers follow one sequence of events,
// each at its own pace.
//
// dgrid uses it to publish connection changes.
package dpubsub
