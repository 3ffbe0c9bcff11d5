// Package prefork provides a native Go library for building prefork
// worker-pool servers: a long-lived manager process keeps a pool of
// short-lived worker processes alive, restarts them under rate-limited
// control, and answers synchronous calls the workers make back to it over a
// private pipe pair.
//
// The same binary usually plays both roles. The manager re-executes itself
// for every worker; the child detects its role with IsWorker:
//
//	func main() {
//	    if prefork.IsWorker() {
//	        w, err := prefork.NewWorker()
//	        if err != nil {
//	            log.Fatal(err)
//	        }
//	        reply, err := w.Call(ctx, "next_job", nil)
//	        ...
//	        _ = w.Finish(ctx, 0, result)
//	    }
//
//	    m, err := prefork.NewManager(
//	        prefork.WithMaxWorkers(4),
//	        prefork.WithHandler("next_job", nextJob),
//	        prefork.WithReapHook(collect),
//	    )
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    err = m.Run(ctx)
//	}
//
// # Manager
//
// Manager.Run is a single loop. Each tick it takes at most one spawn or stop
// step toward the desired worker count (subject to a cooldown), services
// every worker's pending calls without blocking, and collects at most one
// exited worker. Spawn failures and failed worker exits apply the longer
// ErrRespawnInterval cooldown.
//
// # Calls and the finalize handshake
//
// A Worker has exactly one call outstanding at a time. Worker.Finish with a
// payload delivers it to the manager and exits only once the manager has
// acknowledged it; the payload is later passed to the reap hook together with
// the exit status.
//
// # Signals
//
// The SignalTable maps received signals to actions. Ignored signals are only
// recorded (see Manager.ReceivedSignal). A stop action ends the loop and
// signals the workers either all at once or one per stagger interval.
//
// # Wire format
//
// Messages are single-line JSON objects terminated by a newline:
//
//	{"kidpid":3,"callback_method":"add","child_payload":[1,2]}
//	{"kidpid":3,"parent_payload":3}
//	{"kidpid":3,"error":"unknown method \"sub\"","error_code":"unknown_method"}
//	{"kidpid":3,"final_payload":{"done":true}}
//	{}
//
// The manager side relies on poll(2) and is supported on Linux and Darwin.
package prefork
