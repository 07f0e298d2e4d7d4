// Package memstore gives the coordinator its shared in-memory state: the
// cached mirror of the tests repository, the per-node installed-packages
// cache, the pub/sub channel carrying session events and the locks that
// serialise access to all of the above.
//
// # Key layout
//
// The Redis instance is organised into two namespaces:
//
//	repository:<name>                     manifest JSON of one package
//	repository_index                      sorted set of package names
//	repository:mutex                      writer mutex for the repository
//	repository:readers                    sorted set of active reader ids
//	repository:readers:next_id            reader id counter
//
//	environments:<ip>:<port>              hash: installed_cached flag and
//	                                      installed:<pkg> manifest entries
//	environments:<ip>:<port>:installed_index   sorted set of package names
//	environments:<ip>:<port>:installed:mutex   mutex for cache mutations
//
// Session start/stop events are published on the "environments" channel.
//
// # Locking
//
// Two disciplines are layered on a primitive mutex (SET NX with a TTL and a
// polling sleep):
//
//   - The per-environment installed cache is mutated only under its mutex.
//   - The repository is protected by a reader-preferring reader/writer
//     lock: readers register in a sorted set scored by their expiry time,
//     and a writer waits until the set is empty and the mutex is free,
//     purging expired readers on every attempt.
//
// Everything in this package is ephemeral. Losing the Redis instance is
// recoverable: the repository mirror is rebuilt from disk at startup and
// each environment cache is re-primed from its node on the next read.
package memstore
