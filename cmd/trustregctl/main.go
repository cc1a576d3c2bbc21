// trustregctl is the control CLI for trustregd.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"trustregd/internal/agentcard"
	"trustregd/internal/config"
	"trustregd/internal/ipc"
)

var (
	socketPath = flag.String("socket", "", "path to trustregd socket")
	jsonOut    = flag.Bool("json", false, "print raw JSON output")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "status":
		cmdStatus()
	case "agent":
		cmdAgent(flag.Args()[1:])
	case "feedback":
		cmdFeedback(flag.Args()[1:])
	case "validation":
		cmdValidation(flag.Args()[1:])
	case "watch":
		cmdWatch(flag.Args()[1:])
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", flag.Arg(0))
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `trustregctl - Control utility for trustregd

Usage: trustregctl [options] <command> [args]

Commands:
  status                                    Show daemon status
  agent get <id>                            Show one agent
  agent card <id>                           Fetch and validate an agent's registration file
  agent register <owner> [uri]              Register an agent (dev mode)
  feedback read <agent> <client> <index>    Show one feedback entry
  feedback list <agent> [tag1]              List feedback for an agent
  feedback summary <agent> [tag1]           Aggregate feedback for an agent
  feedback give <agent> <client> <value>    Append feedback (dev mode)
  feedback revoke <agent> <client> <index>  Revoke own feedback (dev mode)
  validation status <hash>                  Show one validation request
  validation list <agent>                   List request hashes for an agent
  validation summary <agent>                Aggregate responses for an agent
  validation create <validator> <agent> <hash>   Create a request (dev mode)
  validation respond <validator> <hash> <0-100>  Resolve a request (dev mode)
  watch [type ...]                          Stream registry events
  help                                      Show this help message

Options:
  -socket <path>  Path to trustregd socket (default: platform runtime dir)
  -json           Print raw JSON output`)
}

func connect() *ipc.IPCClient {
	path := *socketPath
	if path == "" {
		path = config.GetDefaultPaths().SocketPath
	}

	client := ipc.NewClient(ipc.DefaultClientConfig(path))
	if err := client.Connect(); err != nil {
		if err == ipc.ErrDaemonNotRunning {
			fmt.Fprintln(os.Stderr, "trustregd is not running")
		} else {
			fmt.Fprintf(os.Stderr, "Error connecting to daemon: %v\n", err)
		}
		os.Exit(1)
	}
	return client
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func parseID(s string) uint64 {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		fatal(fmt.Errorf("bad agent id %q", s))
	}
	return id
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func cmdStatus() {
	client := connect()
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		fatal(err)
	}
	if *jsonOut {
		printJSON(status)
		return
	}

	fmt.Println("=== trustregd Status ===")
	fmt.Printf("Version:          %s\n", status.Version)
	fmt.Printf("Chain ID:         %d\n", status.ChainID)
	fmt.Printf("Uptime:           %s\n", status.Uptime.Round(time.Second))
	fmt.Printf("Dev Mode:         %v\n", status.DevMode)
	fmt.Printf("Replicated Block: %d\n", status.ReplicatedBlock)
	if status.CursorSegment != "" {
		fmt.Printf("Cursor Segment:   %s\n", status.CursorSegment)
	}
	fmt.Printf("Agents:           %d\n", status.AgentCount)
	fmt.Printf("Feedback Entries: %d\n", status.FeedbackCount)
}

func cmdAgent(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: trustregctl agent <get|card|register> ...")
		os.Exit(1)
	}

	client := connect()
	defer client.Close()

	switch args[0] {
	case "get":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: trustregctl agent get <id>")
			os.Exit(1)
		}
		agent, err := client.AgentGet(parseID(args[1]))
		if err != nil {
			fatal(err)
		}
		if *jsonOut {
			printJSON(agent)
			return
		}
		fmt.Printf("Agent #%d\n", agent.AgentID)
		fmt.Printf("  Owner:      %s\n", agent.Owner)
		if agent.URI != "" {
			fmt.Printf("  URI:        %s\n", agent.URI)
		}
		if agent.Wallet != "" {
			fmt.Printf("  Wallet:     %s\n", agent.Wallet)
		}
		fmt.Printf("  Registered: block %d\n", agent.RegisteredBlock)

	case "card":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: trustregctl agent card <id>")
			os.Exit(1)
		}
		agent, err := client.AgentGet(parseID(args[1]))
		if err != nil {
			fatal(err)
		}
		if agent.URI == "" {
			fatal(fmt.Errorf("agent #%d has no registration URI", agent.AgentID))
		}

		ctx, cancel := context.WithTimeout(context.Background(), cardFetchTimeout())
		defer cancel()
		card, err := agentcard.Fetch(ctx, nil, agent.URI)
		if err != nil {
			fatal(err)
		}
		if *jsonOut {
			printJSON(card)
			return
		}
		printCard(agent, card, client.Handshake().ChainID)

	case "register":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: trustregctl agent register <owner> [uri]")
			os.Exit(1)
		}
		uri := ""
		if len(args) >= 3 {
			uri = args[2]
		}
		id, err := client.AgentRegister(args[1], uri)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("Registered agent #%d\n", id)

	default:
		fmt.Fprintf(os.Stderr, "Unknown agent command: %s\n", args[0])
		os.Exit(1)
	}
}

func cardFetchTimeout() time.Duration {
	if path := config.FindConfigFile(); path != "" {
		if cfg, err := config.NewLoader(path).Load(); err == nil && cfg.AgentCard.FetchTimeoutSec > 0 {
			return time.Duration(cfg.AgentCard.FetchTimeoutSec) * time.Second
		}
	}
	return 10 * time.Second
}

func printCard(agent *ipc.AgentInfo, card *agentcard.Card, chainID uint64) {
	fmt.Printf("%s (%s)\n", card.Name, card.Type)
	if card.Description != "" {
		fmt.Printf("  %s\n", card.Description)
	}
	fmt.Printf("  Active: %v\n", card.Active)
	for _, svc := range card.Services {
		fmt.Printf("  Service: %s %s\n", svc.Name, svc.Endpoint)
	}
	if len(card.SupportedTrust) > 0 {
		fmt.Printf("  Trust models: %v\n", card.SupportedTrust)
	}

	claimed := false
	for _, id := range card.AgentIDs(chainID) {
		if id == agent.AgentID {
			claimed = true
			break
		}
	}
	if claimed {
		fmt.Printf("  Registration: claims agent #%d on chain %d\n", agent.AgentID, chainID)
	} else {
		fmt.Printf("  WARNING: document does not claim agent #%d on chain %d\n", agent.AgentID, chainID)
	}
}

func cmdFeedback(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: trustregctl feedback <read|list|summary|give|revoke> ...")
		os.Exit(1)
	}

	client := connect()
	defer client.Close()

	switch args[0] {
	case "read":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: trustregctl feedback read <agent> <client> <index>")
			os.Exit(1)
		}
		entry, err := client.FeedbackRead(parseID(args[1]), args[2], parseID(args[3]))
		if err != nil {
			fatal(err)
		}
		if *jsonOut {
			printJSON(entry)
			return
		}
		printFeedback(entry)

	case "list":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: trustregctl feedback list <agent> [tag1]")
			os.Exit(1)
		}
		req := &ipc.FeedbackReadAllRequest{AgentID: parseID(args[1])}
		if len(args) >= 3 {
			req.Tag1 = args[2]
		}
		entries, err := client.FeedbackReadAll(req)
		if err != nil {
			fatal(err)
		}
		if *jsonOut {
			printJSON(entries)
			return
		}
		if len(entries) == 0 {
			fmt.Println("No feedback recorded.")
			return
		}
		for i := range entries {
			printFeedback(&entries[i])
		}

	case "summary":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: trustregctl feedback summary <agent> [tag1]")
			os.Exit(1)
		}
		req := &ipc.FeedbackSummaryRequest{AgentID: parseID(args[1])}
		if len(args) >= 3 {
			req.Tag1 = args[2]
		}
		summary, err := client.FeedbackSummary(req)
		if err != nil {
			fatal(err)
		}
		if *jsonOut {
			printJSON(summary)
			return
		}
		fmt.Printf("Entries:  %d\n", summary.Count)
		fmt.Printf("Value:    %s (decimals %d)\n", summary.Value, summary.Decimals)

	case "give":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: trustregctl feedback give <agent> <client> <value> [tag1]")
			os.Exit(1)
		}
		req := &ipc.FeedbackGiveRequest{
			AgentID: parseID(args[1]),
			Client:  args[2],
			Value:   args[3],
		}
		if len(args) >= 5 {
			req.Tag1 = args[4]
		}
		index, err := client.FeedbackGive(req)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("Recorded feedback #%d\n", index)

	case "revoke":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: trustregctl feedback revoke <agent> <client> <index>")
			os.Exit(1)
		}
		err := client.FeedbackRevoke(&ipc.FeedbackRevokeRequest{
			Caller:  args[2],
			AgentID: parseID(args[1]),
			Client:  args[2],
			Index:   parseID(args[3]),
		})
		if err != nil {
			fatal(err)
		}
		fmt.Println("Feedback revoked.")

	default:
		fmt.Fprintf(os.Stderr, "Unknown feedback command: %s\n", args[0])
		os.Exit(1)
	}
}

func printFeedback(entry *ipc.FeedbackInfo) {
	status := ""
	if entry.Revoked {
		status = " (revoked)"
	}
	fmt.Printf("#%d from %s%s\n", entry.Index, entry.Client, status)
	fmt.Printf("  Value: %s (decimals %d)\n", entry.Value, entry.ValueDecimals)
	if entry.Tag1 != "" {
		fmt.Printf("  Tags:  %s %s\n", entry.Tag1, entry.Tag2)
	}
	if entry.ResponseURI != "" {
		fmt.Printf("  Response: %s\n", entry.ResponseURI)
	}
}

func cmdValidation(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: trustregctl validation <status|list|summary|create|respond> ...")
		os.Exit(1)
	}

	client := connect()
	defer client.Close()

	switch args[0] {
	case "status":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: trustregctl validation status <hash>")
			os.Exit(1)
		}
		info, err := client.ValidationStatus(args[1])
		if err != nil {
			fatal(err)
		}
		if *jsonOut {
			printJSON(info)
			return
		}
		fmt.Printf("Request %s\n", info.RequestHash)
		fmt.Printf("  Validator: %s\n", info.Validator)
		fmt.Printf("  Agent:     #%d\n", info.AgentID)
		fmt.Printf("  Status:    %s\n", info.Status)
		if info.Status == "resolved" {
			fmt.Printf("  Response:  %d\n", info.Response)
		}
		fmt.Printf("  Updated:   %s\n", time.Unix(info.LastUpdate, 0).Format(time.RFC3339))

	case "list":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: trustregctl validation list <agent>")
			os.Exit(1)
		}
		hashes, err := client.ValidationListByAgent(parseID(args[1]))
		if err != nil {
			fatal(err)
		}
		if *jsonOut {
			printJSON(hashes)
			return
		}
		if len(hashes) == 0 {
			fmt.Println("No validation requests.")
			return
		}
		for _, h := range hashes {
			fmt.Println(h)
		}

	case "summary":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: trustregctl validation summary <agent>")
			os.Exit(1)
		}
		summary, err := client.ValidationSummary(&ipc.ValidationSummaryRequest{AgentID: parseID(args[1])})
		if err != nil {
			fatal(err)
		}
		if *jsonOut {
			printJSON(summary)
			return
		}
		fmt.Printf("Resolved:     %d\n", summary.Count)
		if summary.Count > 0 {
			fmt.Printf("Avg Response: %.1f\n", summary.AvgResponse)
		}

	case "create":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: trustregctl validation create <validator> <agent> <hash>")
			os.Exit(1)
		}
		err := client.ValidationCreate(&ipc.ValidationCreateRequest{
			Validator:   args[1],
			AgentID:     parseID(args[2]),
			RequestHash: args[3],
		})
		if err != nil {
			fatal(err)
		}
		fmt.Println("Validation request created.")

	case "respond":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: trustregctl validation respond <validator> <hash> <0-100>")
			os.Exit(1)
		}
		response, err := strconv.ParseUint(args[3], 10, 8)
		if err != nil || response > 100 {
			fatal(fmt.Errorf("response must be 0-100"))
		}
		err = client.ValidationRespond(&ipc.ValidationRespondRequest{
			Caller:      args[1],
			RequestHash: args[2],
			Response:    uint8(response),
		})
		if err != nil {
			fatal(err)
		}
		fmt.Println("Validation response recorded.")

	default:
		fmt.Fprintf(os.Stderr, "Unknown validation command: %s\n", args[0])
		os.Exit(1)
	}
}

func cmdWatch(types []string) {
	client := connect()
	defer client.Close()

	if err := client.Subscribe(types...); err != nil {
		fatal(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	fmt.Fprintln(os.Stderr, "Watching registry events (Ctrl-C to stop)...")
	for {
		select {
		case <-sig:
			return
		case ev, ok := <-client.Events():
			if !ok {
				return
			}
			if *jsonOut {
				printJSON(ev)
				continue
			}
			fmt.Printf("%s %s agent=%d", ev.At.Format(time.RFC3339), ev.Type, ev.AgentID)
			if ev.Index != 0 || ev.Type == "NewFeedback" {
				fmt.Printf(" index=%d", ev.Index)
			}
			if ev.Block != 0 {
				fmt.Printf(" block=%d", ev.Block)
			}
			fmt.Println()
		}
	}
}
