// Package scheduler is the central scheduler that runtime processes report
// to.
//
// # Why Scheduler Exists
//
// Several runtimes share one machine's CPU and accelerator. Each runtime
// knows only its own latency; the scheduler sees all of them and decides,
// per runtime, which subgraphs run on which unit and at what channel ratio.
// It also arbitrates exclusive use of each unit between runtimes.
//
// # How It Works
//
// Runtimes connect over a local stream socket (or socket.io, see package
// sio) and exchange fixed-size packets. Every exchange is started by the
// runtime:
//
//  1. The runtime reports its identity, phase and latency samples.
//  2. The scheduler refreshes that runtime's state in the runtime store.
//  3. It replies with a new plan when the runtime needs one and the policy
//     produced one, and with an acknowledgement otherwise.
//
// Resource requests travel the same way: an acquire is either granted or
// queued, and a queued runtime asks again until the grant arrives. Grants
// are handed out in strict FIFO order per unit.
//
// # Relationship with Other Components
//
//   - **runtimestore:** holds every runtime's state.
//   - **Policy:** computes plans; HillClimb is the default.
//   - **sio:** carries the same packets over socket.io.
package scheduler
