// Command nimbusworker is the Worker Process subprocess: it binds the
// command and event channels to the given addresses and serves cells
// against a fresh namespace until its parent kills it or it receives a
// shutdown command.
package main

import (
	"flag"
	"log"

	"k8s.io/klog/v2"

	"github.com/nimbusnb/nimbus/internal/worker"
)

var (
	flagCmdAddr   = flag.String("cmd-addr", "127.0.0.1:5555", "address to bind the command channel")
	flagEventAddr = flag.String("event-addr", "127.0.0.1:5556", "address to bind the event channel")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	w, err := worker.New(*flagCmdAddr, *flagEventAddr)
	if err != nil {
		log.Fatalf("nimbusworker: failed to start: %+v", err)
	}
	klog.Infof("nimbusworker: listening on cmd=%s event=%s", w.CommandAddr(), *flagEventAddr)
	if err := w.Serve(); err != nil {
		klog.Infof("nimbusworker: stopped: %v", err)
	}
}
