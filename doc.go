// Package stepstream is a library for serving short, self-contained SSE
// progress streams over HTTP.
//
// Every request gets its own timeline: a Source is opened with the request
// context and the events it yields are written to the response as they
// arrive. Two sources are provided:
//	* Producer emits a fixed list of progress steps, one per delay, followed
//	  by a sentinel event, then ends the stream.
//	* Relay subscribes to another SSE endpoint on behalf of the client and
//	  forwards its payloads until the sentinel is seen.
//
// Typical usage of this package is:
//	* Create a Handler with a Source and a Config. Use StepConfig for streams
//	  whose body must contain nothing but data records.
//	* Register the handler on a GET route.
//	* Optionally attach a Tracker to keep a short-lived record of recent
//	  streams for diagnostics.
//	* On graceful shutdown call DropSubscribers (for example from
//	  http.Server.RegisterOnShutdown) so open streams end promptly.
package stepstream
