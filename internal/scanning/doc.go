// Package scanning drives the external CloudflareScanner measurement tool.
//
// The package holds the leaves of the endpoint testing pipeline: everything
// needed to hand a set of candidate addresses to the tool and turn its
// output back into structured measurements. It deliberately knows nothing
// about persistence or scheduling; those live in the discovery and monitor
// packages.
//
// # Main Components
//
// ## Parameters
//
// Params is an immutable value describing one tool invocation (concurrency,
// ping count, download test count and timeout, probe URL and port, HTTPing
// mode and the qualifying Thresholds). Callers derive variants with
// WithOverrides, which always returns a new value.
//
// ## Command construction
//
// BuildArgs renders Params into the tool's command-line contract:
//
//	-f <input> -o <output> -n <threads> -url <url> -t <ping> -dn <count>
//	-dt <timeout> -tp <port> [-tl <lat> -tlr <loss> -sl <speed>] [-allip]
//	[-httping [-httping-code <code>]] [-p 0]
//
// ## Process execution
//
// Runner launches the tool, drains stdout and stderr concurrently into
// bounded line buffers, and reports how the process ended through an
// explicit RunStatus (exited, cancelled or timed out). Cancellation comes
// from the context and escalates from SIGTERM to SIGKILL after a grace
// period.
//
// ## Result decoding
//
// Decode and DecodeFile parse the tool's comma separated result file into
// Records, skipping headers and malformed lines and reporting counts in
// DecodeStats.
//
// ## Scratch files
//
// Workspace allocates uniquely named input, output and working-directory
// paths so that any number of invocations can run side by side, and removes
// them on Cleanup.
//
// ## Binary provisioning
//
// EnsureBinary downloads the platform specific release archive when the
// tool binary is missing.
package scanning
