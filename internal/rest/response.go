package rest

import "strconv"

// Response is the uniform result of one Request Engine invocation
// (spec.md §3). Every operation method returns one, whether or not the
// operation itself carries a typed result — callers that want the typed
// payload (a DirectoryEntry, an AclStatus, ...) get it alongside this.
type Response struct {
	Successful  bool
	HTTPStatus  int
	HTTPMessage string

	// Body is the raw response payload for operations that return JSON and
	// have already been consumed to populate a typed result. BodyStream is
	// set instead for Open, which hands the body to the caller unbuffered.
	Body       []byte
	BodyStream interface{ Close() error } // non-nil only for Open

	ServerRequestID      string
	CommittedBlockOffset int64 // not set by Invoke; always 0
	NumRetries           int
	LastCallLatencyMs    int64
	ContentLength        int64
	Chunked              bool

	RemoteExceptionName      string
	RemoteExceptionMessage   string
	RemoteExceptionClassName string

	// ExceptionHistory accumulates a compact description of every failed
	// attempt in this invocation (spec.md §3 "accumulated exception
	// history"), most recent last.
	ExceptionHistory []string
}

// clientLatencyRecord renders the record string the Latency Ledger stores
// for one attempt (spec.md §4.5):
// "client_request_id.retry,latency_ms,error?,operation,body_bytes,client_instance_id".
func clientLatencyRecord(
	requestID string, retry int, latencyMs int64, errDesc, operation string, bodyBytes int64, clientInstanceID string,
) string {
	parts := []string{
		requestID + "." + strconv.Itoa(retry),
		strconv.FormatInt(latencyMs, 10),
		errDesc,
		operation,
		strconv.FormatInt(bodyBytes, 10),
		clientInstanceID,
	}

	out := parts[0]
	for _, p := range parts[1:] {
		out += "," + p
	}

	return out
}
