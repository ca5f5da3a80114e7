// Package dgrid is a client for a clustered data grid.
//
// A [Client] keeps a single QUIC connection to one cluster member at a time.
// Calls are queued and sent in order over that connection.
// If the member is lost, the client finds another member,
// re-registers any server-side listeners,
// and resends calls that were never answered.
//
// Calls that cannot be delivered because no member is reachable
// fail with a [dcall.NoMemberAvailableError].
package dgrid
