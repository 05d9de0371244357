// Command nimbus is the Notebook Server entry point: it takes an optional
// notebook-file argument (or a `new` sub-command that fabricates a
// timestamped one), boots a Session and Kernel Client around it, and serves
// the browser-facing WebSocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"github.com/fatih/color"

	"github.com/nimbusnb/nimbus/internal/config"
	"github.com/nimbusnb/nimbus/internal/kernelclient"
	"github.com/nimbusnb/nimbus/internal/notebook"
	"github.com/nimbusnb/nimbus/internal/provider"
	"github.com/nimbusnb/nimbus/internal/provider/lambdalabs"
	"github.com/nimbusnb/nimbus/internal/provider/runpod"
	"github.com/nimbusnb/nimbus/internal/remotebridge"
	"github.com/nimbusnb/nimbus/internal/server"
	"github.com/nimbusnb/nimbus/internal/session"
	"github.com/nimbusnb/nimbus/internal/util"
	"github.com/nimbusnb/nimbus/internal/version"
)

// gitVersion and gitHash are set by the linker at release build time via
// -ldflags "-X main.gitVersion=... -X main.gitHash=...".
var (
	gitVersion = "$Format:%(describe)$"
	gitHash    = "$Format:%H$"
)

var appVersion = version.AppVersion("0.1.0-dev", gitVersion, gitHash)

var (
	flagDebug          = flag.Bool("debug", false, "enable verbose logging")
	flagListen         = flag.String("listen", "127.0.0.1:8888", "address to serve the notebook API on")
	flagProviderConfig = flag.String("provider-config", "", "path to the provider config file (default: XDG config dir)")
	flagWorkerBinary   = flag.String("worker-binary", "nimbusworker", "path to the nimbusworker binary to spawn or stage on a remote pod")
	flagCmdAddr        = flag.String("cmd-addr", "127.0.0.1:5555", "local worker command channel address")
	flagEventAddr      = flag.String("event-addr", "127.0.0.1:5556", "local worker event channel address")
	flagRemoteProvider = flag.String("remote-provider", "", "GPU provider name to connect the session to a remote pod on startup (e.g. runpod, lambda_labs)")
	flagRemotePod      = flag.String("remote-pod", "", "pod id to connect to, required alongside -remote-provider")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagDebug {
		_ = flag.Set("v", "2")
	}

	args := flag.Args()
	if len(args) > 0 && args[0] == "version" {
		appVersion.Print()
		return
	}

	cfgPath := *flagProviderConfig
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	reg, err := newProviderRegistry(cfgPath)
	if err != nil {
		log.Fatalf("nimbus: provider registry unavailable: %+v", err)
	}

	if len(args) > 0 && args[0] == "providers" {
		printProviders(reg)
		return
	}

	nb, err := openNotebook(args)
	if err != nil {
		log.Fatalf("nimbus: %+v", err)
	}
	sess := session.New(nb)

	kernel := kernelclient.New(kernelclient.LocalSpawner(*flagWorkerBinary), *flagCmdAddr, *flagEventAddr)
	util.ReportError(kernel.Spawn(context.Background()))

	srv := server.New(sess, kernel)

	if *flagRemoteProvider != "" {
		util.ReportError(connectRemote(context.Background(), reg, kernel, srv.BroadcastPodStatus))
	}

	klog.Infof("nimbus: serving %s on %s", nb.Path, *flagListen)
	if err := http.ListenAndServe(*flagListen, http.HandlerFunc(srv.ServeHTTP)); err != nil {
		log.Fatalf("nimbus: server stopped: %+v", err)
	}
}

// printProviders lists every registered provider and whether it is
// configured (has an API key on file), the `nimbus providers` sub-command.
func printProviders(reg *provider.Registry) {
	infos, err := reg.List()
	if err != nil {
		log.Fatalf("nimbus: failed to list providers: %+v", err)
	}
	for _, info := range infos {
		status := color.RedString("not configured")
		if info.IsConfigured {
			status = color.GreenString("configured")
		}
		fmt.Printf("%-14s %-20s %s (env %s)\n", info.Name, info.DisplayName, status, info.APIKeyEnvName)
	}
}

// connectRemote resolves the requested pod's SSH endpoint from its
// provider, starts a PodMonitor that fans status updates out through
// broadcast, and bridges kernel onto the pod over an SSH tunnel.
func connectRemote(ctx context.Context, reg *provider.Registry, kernel *kernelclient.Client, broadcast func(any)) error {
	if *flagRemotePod == "" {
		return fmt.Errorf("-remote-pod is required alongside -remote-provider")
	}
	prov, err := reg.Get(*flagRemoteProvider)
	if err != nil {
		return err
	}

	monitor := provider.NewPodMonitor(prov, func(u provider.StatusUpdate) {
		klog.Infof("nimbus: pod %s status %s", u.PodID, u.Status)
		broadcast(u)
	})
	monitor.Start(*flagRemotePod)

	pod, err := prov.GetPod(ctx, *flagRemotePod)
	if err != nil {
		return err
	}
	if pod.SSHConnection == "" {
		return fmt.Errorf("pod %s has no SSH endpoint yet", pod.ID)
	}
	sshConn := pod.SSHConnection
	if !strings.Contains(sshConn, " -p ") {
		// Port-less "ssh user@host" form (Lambda Labs): default to port 22.
		sshConn += " -p 22"
	}
	endpoint, err := remotebridge.ParseSSHConnection(sshConn)
	if err != nil {
		return err
	}

	bridge := remotebridge.New(kernel, &remotebridge.BinaryDeployer{LocalBinaryPath: *flagWorkerBinary})
	if err := bridge.Connect(ctx, endpoint); err != nil {
		return err
	}
	klog.Infof("nimbus: connected to pod %s at %s@%s", pod.ID, endpoint.User, endpoint.Host)
	return nil
}

func newProviderRegistry(cfgPath string) (*provider.Registry, error) {
	store, err := config.Open(cfgPath)
	if err != nil {
		return nil, err
	}
	reg := provider.NewRegistry(store)
	runpod.Register(reg)
	lambdalabs.Register(reg)
	return reg, nil
}

// openNotebook resolves the notebook to open from the CLI arguments: `new`
// fabricates a timestamped file in the working directory, a bare path loads
// (or creates, if absent) that file, and no argument fabricates one too.
func openNotebook(args []string) (*notebook.Notebook, error) {
	if len(args) == 0 || args[0] == "new" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		return notebook.New(notebook.TimestampedPath(cwd)), nil
	}

	path := args[0]
	if _, err := os.Stat(path); os.IsNotExist(err) {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		return notebook.New(abs), nil
	}
	return notebook.Load(path)
}
