// Package prof exposes runtime profiling for long-running controller
// processes.
//
// It is compiled in two variants selected by the "profile" build tag:
//
//	go build -tags profile ./cmd/xhci-probe
//
// Without the tag every function is a no-op and [Enabled] is false, so call
// sites stay in place at no cost.
//
// # HTTP
//
// [Register] installs the net/http/pprof handlers on a mux. xhci-probe
// registers them next to /metrics:
//
//	mux := http.NewServeMux()
//	mux.Handle("/metrics", promhttp.Handler())
//	prof.Register(mux)
//
// # Files
//
//	stop, err := prof.StartCPU("cpu.prof")
//	if err != nil {
//	    return err
//	}
//	defer stop()
//
//	prof.Write(prof.ProfileHeap, "heap.prof")
//
// [SetContention] turns on the block and mutex profiles.
package prof
