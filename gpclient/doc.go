// Package gpclient implements the connection lifecycle manager for
// GP Manager. It authenticates against and establishes a VPN tunnel by
// orchestrating the external gpclient helper binary; no cryptography,
// tunneling, or protocol logic lives here.
//
// The package is organized around four collaborators:
//
//   - Manager: the connection state machine and single source of truth
//     for UI state. Only it may spawn or kill the helper and acquire or
//     release the lock.
//   - Launcher / ExecLauncher: spawns the helper with discrete argv
//     tokens, delivers passwords over stdin, and streams classified
//     output lines until the process exits.
//   - LockFile / LockHandle: the filesystem lock that serializes
//     connection attempts across process instances, with stale-lock
//     self-healing.
//   - ExitHandler: intercepts SIGINT/SIGTERM and window close and
//     forces teardown so neither the helper nor the lock file survives
//     an exit.
//
// # Connection Flow
//
//  1. A front-end calls Manager.Connect with a fresh Config.
//  2. The manager validates, acquires the lock, and spawns the helper.
//  3. A per-attempt goroutine consumes classified output lines and
//     drives the transitions Authenticating -> Connecting -> Connected.
//  4. Front-ends render from snapshots delivered via Subscribe.
//  5. Disconnect, window close, or a signal funnels into the same
//     teardown path: terminate the helper, release the lock, idle.
//
// # Concurrency
//
// One goroutine per attempt owns the event loop; the helper's output is
// pushed into it through a channel, so the state machine never blocks on
// process I/O. Snapshots are immutable copies, safe for concurrent reads
// without locking on the reader side.
package gpclient
