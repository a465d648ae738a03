// Package serviceresolver resolves key server endpoints published as DNS SRV
// records.
//
// A key server URL of the form
//
//	srv+https://_seal._tcp.example.com/prefix
//
// is resolved by querying SRV records for _seal._tcp.example.com and picking
// the record with the lowest priority (highest weight among equals). The
// result is https://<target>:<port>/prefix. Plain http(s) URLs pass through
// unchanged.
package serviceresolver
