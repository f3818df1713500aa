// plc is the command-line client and mirror operator for the PLC
// identity registry: it resolves identities, renders and audits
// operation logs, runs (or audits) a local mirror, and manages a PDS
// login session.
//
// Usage:
//
//	plc list <user>
//	plc ops list <user>
//	plc ops audit <user>
//	plc mirror run <db> [--listen addr]
//	plc mirror audit <db>
//	plc auth login <user> <app_password>
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/primal-host/plc-mirror/internal/audit"
	"github.com/primal-host/plc-mirror/internal/config"
	"github.com/primal-host/plc-mirror/internal/mirror/service"
	"github.com/primal-host/plc-mirror/internal/mirror/store"
	"github.com/primal-host/plc-mirror/internal/pds"
	"github.com/primal-host/plc-mirror/internal/plcdata"
	"github.com/primal-host/plc-mirror/internal/registry"
	"github.com/primal-host/plc-mirror/internal/resolve"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, shutting down...", sig)
		cancel()
	}()

	cfg, err := config.Load("plc.json")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var runErr error
	switch os.Args[1] {
	case "list":
		runErr = cmdList(ctx, cfg, os.Args[2:])
	case "ops":
		runErr = cmdOps(ctx, cfg, os.Args[2:])
	case "mirror":
		runErr = cmdMirror(ctx, cfg, os.Args[2:])
	case "auth":
		runErr = cmdAuth(ctx, cfg, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if runErr != nil {
		log.Printf("%v", runErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  plc list <user>
  plc ops list <user>
  plc ops audit <user>
  plc mirror run <db> [--listen addr]
  plc mirror audit <db>
  plc auth login <user> <app_password>`)
}

// resolveUser accepts either a did:... string or a handle, returning the
// resolved DID.
func resolveUser(ctx context.Context, user string) (string, error) {
	if strings.HasPrefix(user, "did:") {
		return user, nil
	}
	return resolve.Handle(ctx, user)
}

func registryClient(cfg *config.Config) *registry.Client {
	return registry.New(cfg.RegistryURL)
}

func cmdList(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: plc list <user>")
	}

	did, err := resolveUser(ctx, args[0])
	if err != nil {
		return err
	}

	client := registryClient(cfg)
	data, err := client.Data(ctx, did)
	if err != nil {
		return fmt.Errorf("fetch identity: %w", err)
	}

	fmt.Printf("DID:            %s\n", did)
	if endpoint, ok := data.PDSEndpoint(); ok {
		fmt.Printf("PDS:            %s\n", endpoint)
	}
	if signing, ok := data.SigningKey(); ok {
		fmt.Printf("Signing key:    %s\n", signing)
	}
	fmt.Println("Rotation keys:")
	for i, k := range data.RotationKeys {
		fmt.Printf("  [%d] %s\n", i, k)
	}
	if len(data.AlsoKnownAs) > 0 {
		fmt.Println("Also known as:")
		for _, aka := range data.AlsoKnownAs {
			fmt.Printf("  %s\n", aka)
		}
	}
	return nil
}

func cmdOps(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: plc ops <list|audit> <user>")
	}

	did, err := resolveUser(ctx, args[1])
	if err != nil {
		return err
	}

	client := registryClient(cfg)

	switch args[0] {
	case "list":
		entries, err := client.AuditLog(ctx, did)
		if err != nil {
			return fmt.Errorf("fetch audit log: %w", err)
		}
		printOpsList(entries)
		return nil
	case "audit":
		entries, err := client.AuditLog(ctx, did)
		if err != nil {
			return fmt.Errorf("fetch audit log: %w", err)
		}
		if err := audit.Validate(did, entries); err != nil {
			if errs, ok := err.(audit.Errors); ok {
				fmt.Println("invalid:")
				for _, e := range errs {
					fmt.Printf("  - %v\n", e)
				}
				return fmt.Errorf("audit log for %s is invalid", did)
			}
			return err
		}
		fmt.Println("ok")
		return nil
	default:
		return fmt.Errorf("usage: plc ops <list|audit> <user>")
	}
}

// printOpsList renders the log as the genesis state followed, for each
// subsequent operation, by a header line and one line per changed field.
func printOpsList(entries []plcdata.LogEntry) {
	var prev plcdata.PlcData
	for i, e := range entries {
		op := e.Operation.Operation
		tag := "change"
		switch op.Type {
		case plcdata.TypeTombstone:
			fmt.Printf("[%d] %s tombstone (cid=%s)\n", i, e.CreatedAt.Format("2006-01-02T15:04:05Z"), e.CID)
			continue
		case plcdata.TypeLegacyCreate:
			tag = "legacy-create"
		}

		data := op.Project()
		if i == 0 {
			fmt.Printf("[0] %s genesis (%s, cid=%s)\n", e.CreatedAt.Format("2006-01-02T15:04:05Z"), tag, e.CID)
			printData(data, "  ")
		} else {
			fmt.Printf("[%d] %s %s (cid=%s)%s\n", i, e.CreatedAt.Format("2006-01-02T15:04:05Z"), tag, e.CID,
				nullifiedSuffix(e.Nullified))
			printDiff(prev, data)
		}
		prev = data
	}
}

func nullifiedSuffix(nullified bool) string {
	if nullified {
		return " [nullified]"
	}
	return ""
}

func printData(data plcdata.PlcData, indent string) {
	for i, k := range data.RotationKeys {
		fmt.Printf("%srotationKeys[%d]: %s\n", indent, i, k)
	}
	for name, k := range data.VerificationMethods {
		fmt.Printf("%sverificationMethods[%s]: %s\n", indent, name, k)
	}
	for _, aka := range data.AlsoKnownAs {
		fmt.Printf("%salsoKnownAs: %s\n", indent, aka)
	}
	for kind, svc := range data.Services {
		fmt.Printf("%sservices[%s]: %s (%s)\n", indent, kind, svc.Endpoint, svc.Type)
	}
}

func printDiff(prev, next plcdata.PlcData) {
	const indent = "  "
	if !stringsEqual(prev.RotationKeys, next.RotationKeys) {
		fmt.Printf("%srotationKeys: %v -> %v\n", indent, prev.RotationKeys, next.RotationKeys)
	}
	for name, k := range next.VerificationMethods {
		if prev.VerificationMethods[name] != k {
			fmt.Printf("%sverificationMethods[%s]: %s -> %s\n", indent, name, prev.VerificationMethods[name], k)
		}
	}
	if !stringsEqual(prev.AlsoKnownAs, next.AlsoKnownAs) {
		fmt.Printf("%salsoKnownAs: %v -> %v\n", indent, prev.AlsoKnownAs, next.AlsoKnownAs)
	}
	for kind, svc := range next.Services {
		if old, ok := prev.Services[kind]; !ok || old != svc {
			fmt.Printf("%sservices[%s]: %s (%s)\n", indent, kind, svc.Endpoint, svc.Type)
		}
	}
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cmdMirror(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: plc mirror <run|audit> <db> [--listen addr]")
	}

	switch args[0] {
	case "run":
		fs := flag.NewFlagSet("mirror run", flag.ExitOnError)
		listen := fs.String("listen", cfg.ListenAddr, "HTTP listen address (empty disables the server)")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}

		s, err := store.Open(args[1], false)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		client := registryClient(cfg)

		done := make(chan struct{})
		go func() {
			defer close(done)
			service.RunImporter(ctx, s, client)
		}()

		if *listen != "" {
			srv := service.NewServer(*listen, s)
			log.Printf("mirror: serving on %s", *listen)
			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("http server: %w", err)
			}
		}

		<-ctx.Done()
		<-done
		return nil

	case "audit":
		s, err := store.Open(args[1], true)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		return service.RunAuditor(ctx, s)

	default:
		return fmt.Errorf("usage: plc mirror <run|audit> <db> [--listen addr]")
	}
}

func cmdAuth(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) < 1 || args[0] != "login" {
		return fmt.Errorf("usage: plc auth login <user> <app_password>")
	}
	if len(args) != 3 {
		return fmt.Errorf("usage: plc auth login <user> <app_password>")
	}

	user, appPassword := args[1], args[2]

	did, err := resolveUser(ctx, user)
	if err != nil {
		return err
	}

	client := registryClient(cfg)
	data, err := client.Data(ctx, did)
	if err != nil {
		return fmt.Errorf("fetch identity: %w", err)
	}
	endpoint, ok := data.PDSEndpoint()
	if !ok {
		return fmt.Errorf("did document has no pds")
	}

	agent := pds.New(endpoint)
	session, err := agent.Login(ctx, user, appPassword)
	if err != nil {
		return err
	}
	if err := pds.SaveSession(session); err != nil {
		return err
	}

	handle := session.Handle
	if handle == "" {
		handle = user
	}
	fmt.Printf("Logged in as @%s\n", handle)
	return nil
}
