// Package handlers is the HTTP adapter over the transcoding engine.
//
// Every handler decodes a small JSON request, calls one engine operation and
// writes its result as JSON. Engine errors map onto status codes:
//   - invalid input: 400
//   - unknown job: 404
//   - operation not allowed in the job's state, or a cleanup already
//     running: 409
//
// GET /api/events streams progress updates as server-sent events.
package handlers
