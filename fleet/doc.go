// Package fleet coordinates the worker processes of a master.
//
// The Coordinator spawns workers through a Spawner, tracks one
// WorkerHandle per worker and relays online, exit and application-message
// notifications to observers. It implements the two ways a master takes a
// worker down:
//
//   - graceful: RequestGracefulDisconnect asks the worker to run its own
//     shutdown hook and disconnect;
//   - forced: ForceDestroy runs the destroy handshake. The worker is sent a
//     destroy-preparation message tagged with its id, fires its exit
//     notification and echoes the tag back. Only a matching
//     acknowledgment lets the Coordinator kill the process, and the exit
//     code it then reports for that worker is the Coordinator's forced
//     code, not the one the OS observed.
//
// Coordinator methods must be called on the master's loop. Process waiting
// and link reading happen on their own goroutines, which only post to it.
package fleet
