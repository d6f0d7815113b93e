// oreon/defense · watchthelight <wtl>

// Command logbanctl queries and controls a running logband.
//
//	logbanctl [-socket PATH] status|bans|unban TRIGGER IP|watch
package main

import (
	"context"
	"flag"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/oreonproject/logban/pkg/ipc"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-socket PATH] status|bans|unban TRIGGER IP|watch\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	socket := flag.String("socket", ipc.DefaultSocket, "logband control socket")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	client := ipc.NewClient(*socket)
	defer client.Close()

	var err error
	switch cmd, args := flag.Arg(0), flag.Args()[1:]; {
	case cmd == "status" && len(args) == 0:
		err = status(client)
	case cmd == "bans" && len(args) == 0:
		err = bans(client)
	case cmd == "unban" && len(args) == 2:
		err = client.Unban(args[0], args[1])
		if err == nil {
			fmt.Printf("unbanned %s in %s\n", args[1], args[0])
		}
	case cmd == "watch" && len(args) == 0:
		err = watch(client)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "logbanctl: %v\n", err)
		os.Exit(1)
	}
}

func status(client *ipc.Client) error {
	s, err := client.Status()
	if err != nil {
		return err
	}
	fmt.Printf("state:    %s\n", s.State)
	fmt.Printf("version:  %s\n", s.Version)
	fmt.Printf("uptime:   %s\n", time.Since(s.StartedAt).Round(time.Second))
	fmt.Printf("backend:  %s\n", s.Backend)
	fmt.Printf("timers:   %d pending\n", s.PendingTimers)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nLOG\tSTATE\tOFFSET\tFILTERS")
	for _, l := range s.Logs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", l.Path, l.State, l.Offset, l.Filters)
	}
	fmt.Fprintln(w, "\nTRIGGER\tTYPE")
	for _, t := range s.Triggers {
		fmt.Fprintf(w, "%s\t%s\n", t.ID, t.Type)
	}
	return w.Flush()
}

func bans(client *ipc.Client) error {
	list, err := client.Bans()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no tracked offenders")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TRIGGER\tADDRESS\tSTATUS\tCOUNT\tUNTIL")
	for _, b := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", b.Trigger, b.Addr, b.Status, b.Count, b.Until.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func watch(client *ipc.Client) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := client.Subscribe(ctx, func(ev ipc.Event) {
		ts := ev.Time.Local().Format(time.DateTime)
		switch ev.Type {
		case ipc.EventStateChange:
			fmt.Printf("%s  daemon %s -> %s\n", ts, ev.OldState, ev.NewState)
		default:
			var fields []string
			for _, k := range slices.Sorted(maps.Keys(ev.Fields)) {
				fields = append(fields, k+"="+ev.Fields[k])
			}
			fmt.Printf("%s  %s %s\n", ts, ev.Name, strings.Join(fields, " "))
		}
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
