// Package skeleton drives the servos of an animatronic skeleton over two
// serial-connected boards.
//
// # Installation
//
//	go install github.com/gwillem/skeleton/cmd/skeleton@latest
//
// # Usage
//
// First, run setup to find the boards and save their ports:
//
//	skeleton setup
//
// Then start the skeleton; requests are accepted over HTTP:
//
//	skeleton run
//	curl -d '{"kind":"position","servo":"head.neck","position":120,"duration":800}' \
//	    -H 'Content-Type: application/json' localhost:7070/requests
//
// Watch it move:
//
//	skeleton monitor
//
// # Packages
//
// The module is organized into the following packages:
//
//   - cmd/skeleton: CLI with run, setup, monitor, swipe and trace commands
//   - pkg/wire: Board command encoding and status frame decoding
//   - pkg/servo: Servo definitions, conversions and live state
//   - pkg/board: Serial connections, discovery and paced command sending
//   - pkg/motion: Move scheduling and swiping
//   - pkg/ingest: Board status processing
//   - pkg/feedback: Feedback servo traces, analysis and tuning
//   - pkg/share: State publication to a key/value store and websockets
//   - pkg/persist: Last known positions
//   - pkg/skeleton: Configuration, startup and request handling
//   - pkg/api: HTTP interface
package skeleton
