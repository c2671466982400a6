// Package adlsfs is the client-side core of a filesystem SDK over a
// hierarchical, append-only blob store exposed through a WebHDFS-derived
// HTTPS REST surface. It binds the request engine (internal/rest), the
// process-wide read-ahead cache (internal/prefetch), the buffered
// reader/appender streams (internal/stream), and the parallel content
// summarizer (internal/traverse) behind one facade type, Client.
package adlsfs
